package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ynop/vespene/internal/domain"
	"github.com/ynop/vespene/internal/postgres"
	"github.com/ynop/vespene/pkg/retry"
)

const (
	perPage  = 100
	maxPages = 50
)

type repository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
	Archived bool   `json:"archived"`
}

// GitHub lists an organization's repositories through the GitHub REST API
// (or a compatible server) and upserts one project per live repository.
type GitHub struct {
	baseURL string
	token   string
	client  *http.Client
	store   postgres.ProjectWriter
	logger  *slog.Logger
}

// NewGitHub creates a GitHub importer. baseURL is the API root, for example
// https://api.github.com. token may be empty for public organizations.
func NewGitHub(baseURL, token string, store postgres.ProjectWriter, logger *slog.Logger) *GitHub {
	return &GitHub{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		store:   store,
		logger:  logger,
	}
}

func (g *GitHub) Import(ctx context.Context, org *domain.Organization) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "importer.github")
	defer span.End()
	span.SetAttributes(attribute.String("organization.name", org.Name))

	imported := 0
	for page := 1; page <= maxPages; page++ {
		repos, err := g.listPage(ctx, org.Name, page)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list repositories failed")
			return err
		}
		for _, r := range repos {
			if r.Archived {
				continue
			}
			p := &domain.Project{Name: r.FullName, RepoURL: r.CloneURL, OrganizationID: &org.ID}
			if err := g.store.UpsertProject(ctx, p); err != nil {
				return fmt.Errorf("import %s: %w", org.Name, err)
			}
			imported++
		}
		if len(repos) < perPage {
			break
		}
	}

	g.logger.Info("organization imported",
		slog.String("organization", org.Name),
		slog.Int("projects", imported),
	)
	return nil
}

func (g *GitHub) listPage(ctx context.Context, org string, page int) ([]repository, error) {
	u := fmt.Sprintf("%s/orgs/%s/repos?per_page=%d&page=%d",
		g.baseURL, url.PathEscape(org), perPage, page)

	var repos []repository
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("list repositories of %s: %w", org, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("list repositories of %s: status %d", org, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Permanent(fmt.Errorf("list repositories of %s: status %d", org, resp.StatusCode))
		}
		repos = repos[:0]
		if err := json.NewDecoder(resp.Body).Decode(&repos); err != nil {
			return retry.Permanent(fmt.Errorf("decode repositories of %s: %w", org, err))
		}
		return nil
	})
	return repos, err
}
