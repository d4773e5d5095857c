// Package control exposes run service operations as NATS request/reply
// subjects under crew.control.<op>.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/aamat-dev/crew-ia/internal/natsbus"
	"github.com/aamat-dev/crew-ia/internal/runsvc"
	"github.com/nats-io/nats.go"
)

const (
	OpStart    = "start"
	OpResubmit = "resubmit"
	OpPause    = "pause"
	OpResume   = "resume"
	OpOverride = "override"
	OpSkip     = "skip"
	OpCancel   = "cancel"
	OpStatus   = "status"
	OpActive   = "active"
)

type Request struct {
	RunID  string         `json:"run_id,omitempty"`
	PlanID string         `json:"plan_id,omitempty"`
	NodeID string         `json:"node_id,omitempty"`
	DryRun bool           `json:"dry_run,omitempty"`
	Patch  map[string]any `json:"patch,omitempty"`
}

type Response struct {
	OK     bool             `json:"ok"`
	Error  string           `json:"error,omitempty"`
	RunID  string           `json:"run_id,omitempty"`
	State  *runsvc.RunState `json:"state,omitempty"`
	Active []string         `json:"active,omitempty"`
}

// Server answers control requests against a run service.
type Server struct {
	svc *runsvc.Service
	sub *nats.Subscription
}

func NewServer(svc *runsvc.Service) *Server {
	return &Server{svc: svc}
}

// Listen subscribes to every control subject on client.
func (s *Server) Listen(client *natsbus.Client) error {
	sub, err := client.Subscribe(natsbus.TopicControlAll, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	slog.Info("control surface listening", "subject", natsbus.TopicControlAll)
	return nil
}

func (s *Server) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Server) handle(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, "crew.control.")

	var req Request
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("invalid control request", "op", op, "error", err)
			respond(msg, Response{Error: "invalid request"})
			return
		}
	}

	slog.Info("control request received", "op", op, "run", req.RunID, "node", req.NodeID)
	respond(msg, s.Dispatch(context.Background(), op, req))
}

// Dispatch runs one control operation.
func (s *Server) Dispatch(ctx context.Context, op string, req Request) Response {
	var err error
	resp := Response{RunID: req.RunID}

	switch op {
	case OpStart:
		if req.PlanID == "" {
			return Response{Error: "plan_id is required"}
		}
		resp.RunID, err = s.svc.Start(ctx, req.PlanID, req.DryRun)
	case OpResubmit:
		if req.RunID == "" || req.PlanID == "" {
			return Response{Error: "run_id and plan_id are required"}
		}
		err = s.svc.Resubmit(ctx, req.RunID, req.PlanID)
	case OpPause:
		err = s.svc.Pause(ctx, req.RunID)
	case OpResume:
		err = s.svc.Resume(ctx, req.RunID)
	case OpOverride:
		err = s.svc.Override(ctx, req.RunID, req.NodeID, req.Patch)
	case OpSkip:
		err = s.svc.Skip(ctx, req.RunID, req.NodeID)
	case OpCancel:
		err = s.svc.Cancel(ctx, req.RunID)
	case OpStatus:
		resp.State, err = s.svc.Status(ctx, req.RunID)
	case OpActive:
		resp.Active = s.svc.Active()
	default:
		err = errors.New("unknown operation: " + op)
	}

	if err != nil {
		slog.Warn("control request failed", "op", op, "run", req.RunID, "error", err)
		return Response{RunID: req.RunID, Error: err.Error()}
	}
	resp.OK = true
	return resp
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to control request", "error", err)
	}
}
