// Package grpcsvc публикует шлюз авторизации по gRPC и даёт клиент к нему.
//
// Сообщения передаются как google.protobuf.Struct, поэтому сервис не требует
// сгенерированного кода: запрос {actor, action, order_id}, ответ {allowed}.
package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const (
	AuthorizationServiceName = "workflow.authz.v1.AuthorizationService"
	checkMethod              = "/" + AuthorizationServiceName + "/Check"
)

// AuthorizationServer отвечает на Check, спрашивая локальный шлюз.
type AuthorizationServer struct {
	gate   domain.AuthorizationGate
	logger *log.Entry
}

// NewAuthorizationServer конструирует сервер поверх шлюза.
func NewAuthorizationServer(gate domain.AuthorizationGate, logger *log.Entry) *AuthorizationServer {
	if logger == nil {
		logger = log.New().WithField("component", "authz-grpc")
	}
	return &AuthorizationServer{gate: gate, logger: logger}
}

type authorizationHandler interface {
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAuthorizationServer регистрирует сервис на gRPC-сервере.
func RegisterAuthorizationServer(s grpc.ServiceRegistrar, srv *AuthorizationServer) {
	s.RegisterService(&authorizationServiceDesc, srv)
}

var authorizationServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthorizationServiceName,
	HandlerType: (*authorizationHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "workflow/authz/v1/authz.proto",
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(authorizationHandler).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(authorizationHandler).Check(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Check разбирает запрос и возвращает решение шлюза.
func (s *AuthorizationServer) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	actor := strings.TrimSpace(fields["actor"].GetStringValue())
	action := strings.TrimSpace(fields["action"].GetStringValue())
	orderID := strings.TrimSpace(fields["order_id"].GetStringValue())

	if actor == "" {
		return nil, status.Error(codes.InvalidArgument, "actor is required")
	}
	if action == "" {
		return nil, status.Error(codes.InvalidArgument, "action is required")
	}

	allowed, err := s.gate.Can(ctx, actor, action, orderID)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"actor": actor, "action": action}).Warn("authorization gate failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, status.Error(codes.DeadlineExceeded, "authorization gate timed out")
		}
		return nil, status.Error(codes.Unavailable, "authorization gate failed")
	}

	return structpb.NewStruct(map[string]any{"allowed": allowed})
}

// RemoteGate — domain.AuthorizationGate, вызывающий удалённый AuthorizationService.
type RemoteGate struct {
	conn grpc.ClientConnInterface
}

// NewRemoteGate создаёт клиента поверх установленного соединения.
func NewRemoteGate(conn grpc.ClientConnInterface) *RemoteGate {
	return &RemoteGate{conn: conn}
}

func (g *RemoteGate) Can(ctx context.Context, actor, action, orderID string) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{
		"actor":    actor,
		"action":   action,
		"order_id": orderID,
	})
	if err != nil {
		return false, fmt.Errorf("build authorization request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, checkMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return false, fmt.Errorf("%w: authorization check: %w", domain.ErrTransient, err)
		default:
			return false, fmt.Errorf("authorization check: %w", err)
		}
	}

	allowed, ok := resp.GetFields()["allowed"]
	if !ok {
		return false, errors.New("authorization response has no decision")
	}
	return allowed.GetBoolValue(), nil
}

var (
	_ domain.AuthorizationGate = (*RemoteGate)(nil)
	_ authorizationHandler     = (*AuthorizationServer)(nil)
)
