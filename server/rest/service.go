package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ytrelay/yt-relay/server/config"
	"github.com/ytrelay/yt-relay/server/internal/metadata"
	"github.com/ytrelay/yt-relay/server/internal/process"
	"github.com/ytrelay/yt-relay/server/internal/relay"
)

type Service struct {
	supervisor *process.Supervisor
	resolver   *metadata.Resolver
	relay      *relay.Relay
	conf       config.Config
	version    string
}

func NewService(sup *process.Supervisor, conf config.Config, version string) *Service {
	resolver := metadata.NewResolver(sup, conf.Paths.DownloaderPath, conf.Extractor)

	return &Service{
		supervisor: sup,
		resolver:   resolver,
		relay:      relay.New(resolver, sup, conf),
		conf:       conf,
		version:    version,
	}
}

func (s *Service) Info(ctx context.Context, url string) (*metadata.VideoMetadata, error) {
	return s.resolver.Resolve(ctx, url)
}

func (s *Service) Download(ctx context.Context, req relay.DownloadRequest, w http.ResponseWriter) error {
	return s.relay.Stream(ctx, req, w)
}

// GetVersion returns the relay version and the one reported by the
// extractor binary.
func (s *Service) GetVersion(ctx context.Context) (string, string, error) {
	res, err := s.supervisor.Run(ctx, process.Task{
		Command: s.conf.Paths.DownloaderPath,
		Args:    []string{"--version"},
		Kind:    "version",
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return s.version, "", err
	}

	return s.version, strings.TrimSpace(string(res.Stdout)), nil
}
