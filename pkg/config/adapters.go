package config

import (
	"io"

	"github.com/marmos91/imgpull/pkg/adapter"
	"github.com/marmos91/imgpull/pkg/adapter/router"
	"github.com/marmos91/imgpull/pkg/auth"
	"github.com/marmos91/imgpull/pkg/bus"
	"github.com/marmos91/imgpull/pkg/catalog"
	"github.com/marmos91/imgpull/pkg/client"
	"github.com/marmos91/imgpull/pkg/digest"
	"github.com/marmos91/imgpull/pkg/fileservice"
	"github.com/marmos91/imgpull/pkg/metrics"
	"github.com/marmos91/imgpull/pkg/store/users"
	"github.com/marmos91/imgpull/pkg/transfer"
	"github.com/marmos91/imgpull/pkg/wire"
)

// Service names reported by Protocol() and used in logs.
const (
	AuthServiceName = "AUTH"
	FileServiceName = "FILE"
)

// CreateRouter creates the control port adapter forwarding over b.
//
// killServices makes the router send KILL to both services once it stops,
// which is what `imgpull serve` wants since it owns them.
func CreateRouter(cfg *Config, b bus.Bus, m metrics.RouterMetrics, killServices bool) *router.Router {
	routerCfg := cfg.Router
	routerCfg.KillServicesOnStop = killServices
	return router.New(routerCfg, b, m)
}

// CreateAuthService creates the auth service adapter on its bus inbox.
func CreateAuthService(cfg *Config, b bus.Bus, store users.Store) (*adapter.Service, error) {
	policy, err := auth.NewEscalationPolicy(cfg.Auth.Escalation.Policy, cfg.Auth.Escalation.MaxStrikes)
	if err != nil {
		return nil, err
	}

	svc := auth.New(store, auth.Config{
		MaxPasswordLength: cfg.Auth.MaxPasswordLength,
		Escalation:        policy,
	})
	return adapter.NewService(AuthServiceName, b, bus.TagAuth, svc), nil
}

// CreateFileService creates the file service adapter on its bus inbox.
// The data channel uses the router's framing so one client codec serves
// both channels.
func CreateFileService(cfg *Config, b bus.Bus, cat *catalog.Catalog, m metrics.TransferMetrics) (*adapter.Service, error) {
	codec, err := wire.New(cfg.Router.Framing)
	if err != nil {
		return nil, err
	}

	sender := transfer.NewSender(transfer.SenderConfig{
		Host:          cfg.Transfer.Host,
		Port:          cfg.Transfer.Port,
		ChunkSize:     cfg.Transfer.ChunkSize,
		AcceptTimeout: cfg.Transfer.AcceptTimeout,
		WriteTimeout:  cfg.Transfer.WriteTimeout,
		Codec:         codec,
	})

	svc := fileservice.New(cat, b, sender, m)
	return adapter.NewService(FileServiceName, b, bus.TagFile, svc), nil
}

// CreateClient creates an unconnected interactive client.
func CreateClient(cfg *Config, out, errOut io.Writer) (*client.Client, error) {
	return client.New(client.Config{
		Server:          cfg.Client.Server,
		Framing:         cfg.Router.Framing,
		ConnectAttempts: cfg.Client.ConnectAttempts,
		RetryDelay:      cfg.Client.RetryDelay,
		Digest:          digest.Algorithm(cfg.Client.Digest),
		DataPort:        cfg.Transfer.Port,
		Out:             out,
		Err:             errOut,
	})
}
