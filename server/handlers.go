package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/sync"
)

func (s *Server) handleRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		st := s.manager.GetStatus()
		baseURL := getBaseURL(r)

		var sb strings.Builder

		sb.WriteString("\ndtnbundle node\n\n")
		sb.WriteString("Store-and-forward transport for signed bundles between nodes\n")
		sb.WriteString("that are only occasionally connected.\n\n")

		sb.WriteString("Node\n")
		sb.WriteString("━━━━\n")
		sb.WriteString(fmt.Sprintf("  Fingerprint:   %s\n", st.Node.Fingerprint))
		sb.WriteString(fmt.Sprintf("  Public key:    %s\n", st.Node.PublicKey))
		sb.WriteString(fmt.Sprintf("  Version:       %s\n", s.config.Version))
		sb.WriteString(fmt.Sprintf("  Backend:       %s\n", st.Node.Backend))
		sb.WriteString(fmt.Sprintf("  Uptime:        %s\n", humanize.RelTime(st.StartedAt, s.manager.Clock().Now(), "", "")))

		sb.WriteString("\nQueues\n")
		sb.WriteString("━━━━━━\n")
		names := make([]string, 0, len(st.Queues))
		for name := range st.Queues {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("  %-13s  %s\n", name+":", humanize.Comma(int64(st.Queues[name]))))
		}
		sb.WriteString(fmt.Sprintf("  %-13s  %s\n", "total:", humanize.Comma(int64(st.BundleCount))))

		sb.WriteString("\nCache\n")
		sb.WriteString("━━━━━\n")
		sb.WriteString(fmt.Sprintf("  Used:          %s of %s (%.1f%%)\n",
			humanize.IBytes(uint64(st.Cache.TotalBytes)),
			humanize.IBytes(uint64(st.Cache.BudgetBytes)),
			st.Cache.UtilizationPercent))
		sb.WriteString(fmt.Sprintf("  Priority floor: %s\n", st.Cache.PriorityFloor))

		if len(st.Peers) > 0 {
			sb.WriteString("\nPeers\n")
			sb.WriteString("━━━━━\n")
			for _, p := range st.Peers {
				sb.WriteString(fmt.Sprintf("  %s\n", p))
			}
		}

		sb.WriteString("\nAPI Endpoints\n")
		sb.WriteString("━━━━━━━━━━━━━\n")
		sb.WriteString("  POST /bundles              Create and sign a bundle\n")
		sb.WriteString("  GET  /bundles              List bundles (queue, priority, audience, topic, tag, max_age, limit)\n")
		sb.WriteString("  GET  /bundles/:id          Get one bundle\n")
		sb.WriteString("  POST /bundles/receive      Hand bundles to this node\n")
		sb.WriteString("  GET  /sync/index           Manifest of forwardable bundles\n")
		sb.WriteString("  POST /sync/push            Push bundles to this node\n")
		sb.WriteString("  GET  /sync/pull            Pull bundles (peer_id, trust, ids, limit)\n")
		sb.WriteString("  GET  /cache/stats          Storage budget usage\n")
		sb.WriteString("  GET  /node/info            Node identity\n")
		sb.WriteString("  GET  /status               Node status\n")
		sb.WriteString("  GET  /metrics              Prometheus metrics\n")
		if s.config.EnableWebSocket {
			sb.WriteString("  WS   /ws                   Lifecycle event stream\n")
		}

		sb.WriteString("\nExamples\n")
		sb.WriteString("━━━━━━━━\n")
		sb.WriteString(fmt.Sprintf("  curl %s/sync/index\n", baseURL))
		sb.WriteString(fmt.Sprintf("  curl '%s/bundles?queue=outbox&priority=emergency'\n", baseURL))
		sb.WriteString(fmt.Sprintf("  curl -X POST %s/bundles -d '{\"topic\":\"water\",\"text\":\"well 3 is dry\"}'\n", baseURL))
		if s.config.EnableWebSocket {
			sb.WriteString(fmt.Sprintf("  websocat %s/ws\n", getWSURL(r)))
		}
		sb.WriteString("\n")

		w.Write([]byte(sb.String()))
	}
}

// ====================================================================================
// BUNDLES
// ====================================================================================

func (s *Server) handleCreateBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readBody(r, s.config.MaxBodyBytes)
		if err != nil {
			sendError(w, err)
			return
		}

		var req CreateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			sendError(w, invalidInput(fmt.Errorf("invalid request: %w", err)))
			return
		}
		content, err := req.Content()
		if err != nil {
			sendError(w, invalidInput(err))
			return
		}

		rec, err := s.manager.CreateBundle(r.Context(), content)
		if err != nil {
			sendError(w, err)
			return
		}
		sendJSON(w, 201, rec)
	}
}

func (s *Server) handleListBundles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queues, filter, err := parseListQuery(r.URL.Query())
		if err != nil {
			sendError(w, err)
			return
		}

		recs := s.manager.ListBundles(filter, queues...)
		if recs == nil {
			recs = []*dtn.Record{}
		}
		sendJSON(w, 200, ListResponse{Count: len(recs), Bundles: recs})
	}
}

func (s *Server) handleGetBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.manager.GetBundle(r.PathValue("id"))
		if err != nil {
			sendError(w, err)
			return
		}
		sendJSON(w, 200, rec)
	}
}

func (s *Server) handleReceiveBundles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readBody(r, s.config.MaxBodyBytes)
		if err != nil {
			sendError(w, err)
			return
		}
		bundles, err := decodeBundles(data)
		if err != nil {
			sendError(w, err)
			return
		}
		sendJSON(w, 200, s.manager.ReceiveBundles(r.Context(), bundles))
	}
}

// ====================================================================================
// SYNC
// ====================================================================================

func (s *Server) handleSyncIndex() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, 200, s.manager.SyncIndex())
	}
}

func (s *Server) handleSyncPush() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readBody(r, s.config.MaxBodyBytes)
		if err != nil {
			sendError(w, err)
			return
		}

		var req dtn.PushRequest
		if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
			req.Bundles, err = decodeBundles(data)
		} else if err = json.Unmarshal(data, &req); err != nil {
			err = invalidInput(fmt.Errorf("invalid push request: %w", err))
		}
		if err != nil {
			sendError(w, err)
			return
		}

		res := s.manager.ReceiveBundles(r.Context(), req.Bundles)
		if req.PeerID != "" && len(res.Rejected) > 0 {
			s.manager.Logger().Printf("[Server] Push from %s: %d rejected", req.PeerID, len(res.Rejected))
		}
		sendJSON(w, 200, res)
	}
}

func (s *Server) handleSyncPull() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		// trust may only narrow what the configuration grants peer_id
		var requested *dtn.Audience
		if t := q.Get("trust"); t != "" {
			trust, err := dtn.ParseAudience(t)
			if err != nil {
				sendError(w, invalidInput(err))
				return
			}
			requested = &trust
		}
		peer := s.manager.PeerContext(q.Get("peer_id"), requested)

		limit, err := parseLimit(q.Get("limit"))
		if err != nil {
			sendError(w, invalidInput(err))
			return
		}

		bundles := s.manager.PullBundles(r.Context(), sync.PullRequest{
			Peer:  peer,
			IDs:   splitList(q["ids"]),
			Limit: limit,
		})
		if bundles == nil {
			bundles = []*dtn.Bundle{}
		}

		sendJSON(w, 200, dtn.PullResponse{Count: len(bundles), Bundles: bundles})

		// only after the response is written
		s.manager.AcknowledgePull(context.WithoutCancel(r.Context()), peer.PeerID, bundles)
	}
}

// ====================================================================================
// NODE
// ====================================================================================

func (s *Server) handleCacheStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, 200, s.manager.CacheStats())
	}
}

func (s *Server) handleNodeInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := s.manager.NodeInfo()
		info.DataDir = ""
		info.Version = s.config.Version
		sendJSON(w, 200, info)
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.manager.GetStatus()
		st.Node.DataDir = ""
		st.Node.Version = s.config.Version
		sendJSON(w, 200, st)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, 200, HealthResponse{Status: "ok", Version: s.config.Version})
	}
}

func (s *Server) handleReady() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			sendJSON(w, 503, HealthResponse{Status: "draining", Error: "server is shutting down"})
			return
		}
		sendJSON(w, 200, HealthResponse{Status: "ready"})
	}
}

func (s *Server) handleLive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, 200, HealthResponse{Status: "alive"})
	}
}
