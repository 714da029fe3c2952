package recorder

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	BackendAuto     = "auto"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

// Options selects and configures the recorder backend.
type Options struct {
	Backend       string
	Pool          *pgxpool.Pool
	MongoURI      string
	MongoDatabase string
}

// ResolveBackend names the backend Open will use. In auto mode Postgres wins
// when a pool is available, then MongoDB when a URI is set, then memory.
func ResolveBackend(opts Options) string {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend != "" && backend != BackendAuto {
		return backend
	}
	switch {
	case opts.Pool != nil:
		return BackendPostgres
	case strings.TrimSpace(opts.MongoURI) != "":
		return BackendMongo
	default:
		return BackendMemory
	}
}

func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	backend := ResolveBackend(opts)
	switch backend {
	case BackendPostgres:
		if opts.Pool == nil {
			return nil, fmt.Errorf("recorder backend postgres requires DATABASE_URL")
		}
		return NewPostgresStore(opts.Pool), nil
	case BackendMongo:
		if strings.TrimSpace(opts.MongoURI) == "" {
			return nil, fmt.Errorf("recorder backend mongo requires MONGODB_URI")
		}
		return ConnectMongo(ctx, opts.MongoURI, opts.MongoDatabase, logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown recorder backend %q", opts.Backend)
	}
}
