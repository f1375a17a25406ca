package rest

import (
	"github.com/ytrelay/yt-relay/server/config"
	"github.com/ytrelay/yt-relay/server/internal/events"
	"github.com/ytrelay/yt-relay/server/internal/process"
	"github.com/ytrelay/yt-relay/server/internal/queue"
)

type ContainerArgs struct {
	Config     config.Config
	Supervisor *process.Supervisor
	Limiter    *queue.Limiter
	Hub        *events.Hub
	Version    string
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type versionBody struct {
	Relay     string `json:"relay"`
	Extractor string `json:"extractor"`
}
