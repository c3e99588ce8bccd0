package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vladislavdragonenkov/orderflow/internal/authz"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/orderflow/internal/service/grpc"
)

// createGate строит шлюз авторизации: локальную политику или клиента удалённого сервиса.
// Возвращённый шлюз всегда обёрнут таймаутом и закрыт по умолчанию; удалённый ещё и предохранителем.
// Локальная политика возвращается отдельно, чтобы её можно было обслуживать по gRPC.
func createGate(cfg AuthzConfig, logger *log.Entry) (domain.AuthorizationGate, *authz.StaticPolicy, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Mode {
	case AuthzModeStatic, "":
		grants := cfg.Grants
		if len(grants) == 0 {
			grants = DefaultGrants()
		}
		policy := authz.NewStaticPolicy(grants)
		return authz.WithTimeout(policy, cfg.Timeout, logger), policy, noop, nil

	case AuthzModeGRPC:
		conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dial authorization service: %w", err)
		}
		logger.WithField("addr", cfg.Addr).Info("using remote authorization gate")
		gate := authz.WithCircuitBreaker(
			authz.WithTimeout(grpcsvc.NewRemoteGate(conn), cfg.Timeout, logger),
			cfg.BreakerFailures, cfg.BreakerReset, logger,
		)
		return gate, nil, conn.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported authz mode %q", cfg.Mode)
	}
}
