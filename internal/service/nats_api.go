package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

// Request/reply subjects served by NATSServer
const (
	SubjectCreatePlan  = "agent.plan.create"
	SubjectGetPlan     = "agent.plan.get"
	SubjectListPlans   = "agent.plan.list"
	SubjectUpdatePlan  = "agent.plan.update"
	SubjectExecuteTask = "agent.task.execute"
	SubjectControl     = "agent.plan.control"

	DefaultQueueGroup = "agent-planner"

	requestTimeout = 30 * time.Second
)

// NATSServer exposes AgentService over core NATS request/reply
type NATSServer struct {
	nc         *nats.Conn
	svc        *AgentService
	queueGroup string
	logger     *zap.Logger
	subs       []*nats.Subscription
}

// NewNATSServer creates the API server. An empty queue group uses DefaultQueueGroup.
func NewNATSServer(nc *nats.Conn, svc *AgentService, queueGroup string, logger *zap.Logger) *NATSServer {
	if queueGroup == "" {
		queueGroup = DefaultQueueGroup
	}
	return &NATSServer{
		nc:         nc,
		svc:        svc,
		queueGroup: queueGroup,
		logger:     logger.Named("nats-api"),
	}
}

// Start subscribes to every API subject
func (s *NATSServer) Start() error {
	routes := map[string]func(ctx context.Context, data []byte) interface{}{
		SubjectCreatePlan:  s.handleCreate,
		SubjectGetPlan:     s.handleGet,
		SubjectListPlans:   s.handleList,
		SubjectUpdatePlan:  s.handleUpdate,
		SubjectExecuteTask: s.handleExecute,
		SubjectControl:     s.handleControl,
	}

	for subject, route := range routes {
		route := route
		sub, err := s.nc.QueueSubscribe(subject, s.queueGroup, func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			s.reply(msg, route(ctx, msg.Data))
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("NATS API started",
		zap.String("queue_group", s.queueGroup),
		zap.Int("subjects", len(s.subs)))
	return nil
}

// Stop drains every API subscription
func (s *NATSServer) Stop() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Error("Failed to drain subscription",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *NATSServer) reply(msg *nats.Msg, resp interface{}) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func badRequest(err error) interface{} {
	return errorResponse{Success: false, Error: fmt.Sprintf("invalid request: %v", err)}
}

func (s *NATSServer) handleCreate(ctx context.Context, data []byte) interface{} {
	var req model.CreatePlanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequest(err)
	}
	return s.svc.CreatePlan(ctx, req)
}

func (s *NATSServer) handleGet(ctx context.Context, data []byte) interface{} {
	var req model.GetPlanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequest(err)
	}
	return s.svc.GetPlan(ctx, req.AgentID)
}

func (s *NATSServer) handleList(ctx context.Context, data []byte) interface{} {
	var req model.ListPlansRequest
	// an empty body lists every plan
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return badRequest(err)
		}
	}
	return s.svc.ListPlans(ctx, req)
}

func (s *NATSServer) handleUpdate(ctx context.Context, data []byte) interface{} {
	var req model.PlanUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequest(err)
	}
	return s.svc.UpdatePlan(ctx, req)
}

func (s *NATSServer) handleExecute(ctx context.Context, data []byte) interface{} {
	var req model.ExecuteTaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequest(err)
	}
	return s.svc.ExecuteTask(ctx, req)
}

func (s *NATSServer) handleControl(ctx context.Context, data []byte) interface{} {
	var req model.ControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return badRequest(err)
	}
	return s.svc.Control(ctx, req)
}
