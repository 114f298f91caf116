package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/crss-project/crss/internal/connector"
	"github.com/crss-project/crss/internal/util"
)

// queryTimeout bounds a single status query made on behalf of a request.
const queryTimeout = 10 * time.Second

const clientKey = "server_client"

// requireKnownServer rejects ids that are not configured and stores the
// matching status client in the context.
func (s *Server) requireKnownServer() gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, ok := s.cfg.LookupServer(c.Param("id"))
		if !ok {
			respondError(c, http.StatusBadRequest, "Invalid server id.")
			c.Abort()
			return
		}

		c.Set(clientKey, s.registry.Get(entry.ID, entry.Address))
		c.Next()
	}
}

func serverClient(c *gin.Context) *connector.ServerClient {
	return c.MustGet(clientKey).(*connector.ServerClient)
}

func queryContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), queryTimeout)
}

// handleGetServer reports connection status and, when connected, the
// server's info block.
func (s *Server) handleGetServer(c *gin.Context) {
	client := serverClient(c)
	if !client.Status() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": false})
		return
	}

	ctx, cancel := queryContext(c)
	defer cancel()

	info, err := client.GetInfo(ctx)
	if err != nil {
		log.Warn().Err(err).Str("server", client.ID()).Msg("info query failed")
		respondError(c, http.StatusInternalServerError, "Failed to fetch server info.")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": true,
		"info":   info,
	})
}

// handleGetPlayers returns the ids of all online players.
func (s *Server) handleGetPlayers(c *gin.Context) {
	client := serverClient(c)

	ctx, cancel := queryContext(c)
	defer cancel()

	players, err := client.GetPlayers(ctx)
	if err != nil {
		log.Warn().Err(err).Str("server", client.ID()).Msg("players query failed")
		respondError(c, http.StatusInternalServerError, "Failed to fetch server info.")
		return
	}
	if players == nil {
		players = []string{}
	}

	c.JSON(http.StatusOK, players)
}

// handleGetPlayer returns a single player's details.
func (s *Server) handleGetPlayer(c *gin.Context) {
	client := serverClient(c)

	ctx, cancel := queryContext(c)
	defer cancel()

	player, err := client.GetPlayer(ctx, c.Param("uuid"))
	if err != nil {
		log.Warn().Err(err).Str("server", client.ID()).Msg("player query failed")
		respondError(c, http.StatusInternalServerError, "Failed to fetch server info.")
		return
	}

	c.JSON(http.StatusOK, player)
}

// handleGetEvents returns the recent connection history of a server.
func (s *Server) handleGetEvents(c *gin.Context) {
	if s.history == nil {
		respondError(c, http.StatusServiceUnavailable, "Event history is disabled.")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			respondError(c, http.StatusBadRequest, "The `limit` query parameter must be between 1 and 1000.")
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(c.Param("id"), limit)
	if err != nil {
		log.Error().Err(err).Str("server", c.Param("id")).Msg("history query failed")
		respondError(c, http.StatusInternalServerError, "Failed to fetch event history.")
		return
	}

	c.JSON(http.StatusOK, entries)
}

// handlePing returns service health, host information and a summary of
// every status client.
func (s *Server) handlePing(c *gin.Context) {
	type serverSummary struct {
		ID      string          `json:"id"`
		Address string          `json:"address"`
		Status  bool            `json:"status"`
		State   connector.State `json:"state"`
		Version string          `json:"version"`
	}

	clients := s.registry.All()
	servers := make([]serverSummary, 0, len(clients))
	for _, cl := range clients {
		servers = append(servers, serverSummary{
			ID:      cl.ID(),
			Address: cl.Address(),
			Status:  cl.Status(),
			State:   cl.State(),
			Version: cl.Version(),
		})
	}

	resp := gin.H{
		"status":         "ok",
		"service":        "crss",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"system":         util.GetSystemInfo(),
		"servers":        servers,
	}
	if s.health != nil {
		resp["resources"] = s.health.Resources()
	}

	c.JSON(http.StatusOK, resp)
}
