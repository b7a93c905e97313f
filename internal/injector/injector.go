//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/distsync/internal/core/config"
	"github.com/zeusync/distsync/internal/server"
)

var serverSet = wire.NewSet(
	server.ProvideLogger,
	server.ProvideReplication,
	server.ProvideManager,
	server.BuildPrefabs,
	server.NewLink,
	server.ProvideRoot,
	server.New,
)

func InitializeServer(cfg *config.Config) (*server.Server, error) {
	wire.Build(serverSet)
	return nil, nil
}
