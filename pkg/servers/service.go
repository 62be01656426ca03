package servers

import (
	"context"
	"database/sql"
	"time"

	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type RetrieveLibraryOptions struct {
	ID       *string
	ServerID *string
	Key      *string
}

type ListLibrariesOptions struct {
	ServerID   *string
	AutoUpdate *bool
}

type UpdateLibraryOptions struct {
	Columns []string
}

// Service manages server configurations and the libraries they host.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

// UpsertServer creates or rekeys a server configuration. Identity derives
// from base URL plus username, so editing either produces a new row.
func (svc *Service) UpsertServer(ctx context.Context, server *models.Server) error {
	now := time.Now()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now

	if server.ID == "" {
		server.ID = models.ServerID(server.BaseURL, server.Username)
	}

	_, err := svc.db.
		NewInsert().
		Model(server).
		On("CONFLICT (id) DO UPDATE").
		Set("updated_at = EXCLUDED.updated_at").
		Set("base_url = EXCLUDED.base_url").
		Set("public_url = EXCLUDED.public_url").
		Set("username = EXCLUDED.username").
		Set("uses_auth = EXCLUDED.uses_auth").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (svc *Service) RetrieveServer(ctx context.Context, id string) (*models.Server, error) {
	server := &models.Server{}

	err := svc.db.
		NewSelect().
		Model(server).
		Where("srv.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Server")
		}
		return nil, errors.WithStack(err)
	}

	return server, nil
}

func (svc *Service) ListServers(ctx context.Context) ([]*models.Server, error) {
	servers := []*models.Server{}

	err := svc.db.
		NewSelect().
		Model(&servers).
		Order("srv.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return servers, nil
}

func (svc *Service) CreateLibrary(ctx context.Context, library *models.Library) error {
	now := time.Now()
	if library.CreatedAt.IsZero() {
		library.CreatedAt = now
	}
	library.UpdatedAt = library.CreatedAt

	if library.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return errors.WithStack(err)
		}
		library.ID = id.String()
	}

	_, err := svc.db.
		NewInsert().
		Model(library).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (svc *Service) RetrieveLibrary(ctx context.Context, opts RetrieveLibraryOptions) (*models.Library, error) {
	library := &models.Library{}

	q := svc.db.
		NewSelect().
		Model(library).
		Relation("Server")

	if opts.ID != nil {
		q = q.Where("lib.id = ?", *opts.ID)
	}
	if opts.ServerID != nil {
		q = q.Where("lib.server_id = ?", *opts.ServerID)
	}
	if opts.Key != nil {
		q = q.Where("lib.key = ?", *opts.Key)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Library")
		}
		return nil, errors.WithStack(err)
	}

	return library, nil
}

func (svc *Service) ListLibraries(ctx context.Context, opts ListLibrariesOptions) ([]*models.Library, error) {
	libraries := []*models.Library{}

	q := svc.db.
		NewSelect().
		Model(&libraries).
		Relation("Server").
		Order("lib.name ASC")

	if opts.ServerID != nil {
		q = q.Where("lib.server_id = ?", *opts.ServerID)
	}
	if opts.AutoUpdate != nil {
		q = q.Where("lib.auto_update = ?", *opts.AutoUpdate)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return libraries, nil
}

func (svc *Service) UpdateLibrary(ctx context.Context, library *models.Library, opts UpdateLibraryOptions) error {
	if len(opts.Columns) == 0 {
		return nil
	}

	library.UpdatedAt = time.Now()
	columns := append(opts.Columns, "updated_at")

	_, err := svc.db.
		NewUpdate().
		Model(library).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("Library")
		}
		return errors.WithStack(err)
	}

	return nil
}
