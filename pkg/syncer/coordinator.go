package syncer

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/folioreader/folio/pkg/activitylog"
	"github.com/folioreader/folio/pkg/books"
	"github.com/folioreader/folio/pkg/calibre"
	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/metadata"
	"github.com/folioreader/folio/pkg/models"
	"github.com/folioreader/folio/pkg/reconcile"
	"github.com/robinjoseph08/golib/logger"
)

// Options selects the sync mode. A full sync additionally tombstones local
// books the server no longer reports; an incremental sync only adds and
// refreshes.
type Options struct {
	Full bool
	// Filter is passed through to the server's list call. Empty means all
	// books.
	Filter string
}

// BookError records one book whose fetch failed during a sync.
type BookError struct {
	CalibreID int64
	Err       error
}

// Result summarizes one library sync. A sync with Failed entries still
// commits every book that fetched cleanly.
type Result struct {
	LibraryID  string
	Added      int
	Updated    int
	Unchanged  int
	Tombstoned int
	Failed     []BookError
	Conflicts  []*reconcile.PositionConflict
	StartedAt  time.Time
	FinishedAt time.Time
}

// Coordinator drives library syncs: one list call to diff the server's book
// set against the local cache, then a bounded set of workers fetching
// per-book metadata. Fetches for the same book are single-flighted across
// everything that goes through the coordinator.
type Coordinator struct {
	books       *books.Service
	fetcher     *metadata.Fetcher
	activity    *activitylog.Service
	concurrency int
	log         logger.Logger

	mu        sync.Mutex
	libraries map[string]struct{}
	inFlight  map[string]*sync.Mutex
}

func NewCoordinator(booksSvc *books.Service, fetcher *metadata.Fetcher, activity *activitylog.Service, concurrency int) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		books:       booksSvc,
		fetcher:     fetcher,
		activity:    activity,
		concurrency: concurrency,
		log:         logger.New(),
		libraries:   map[string]struct{}{},
		inFlight:    map[string]*sync.Mutex{},
	}
}

// FetchBook runs one single-flighted metadata fetch. Concurrent calls for
// the same (library, book) serialize; the second caller reruns the fetch
// rather than piggybacking, which keeps the result it returns its own.
func (c *Coordinator) FetchBook(ctx context.Context, client *calibre.Client, library *models.Library, calibreID int64) (*metadata.Result, error) {
	mu := c.bookLock(library.ID, calibreID)
	mu.Lock()
	defer mu.Unlock()

	return c.fetcher.FetchBook(ctx, client, library, calibreID)
}

func (c *Coordinator) bookLock(libraryID string, calibreID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := lockKey(libraryID, calibreID)
	mu, ok := c.inFlight[k]
	if !ok {
		mu = &sync.Mutex{}
		c.inFlight[k] = mu
	}
	return mu
}

func lockKey(libraryID string, calibreID int64) string {
	return libraryID + "/" + strconv.FormatInt(calibreID, 10)
}

// SyncLibrary diffs the server's book list against the local cache and
// fetches what changed. The list call failing aborts the whole sync without
// touching local state; individual fetch failures are recorded in the result
// and do not stop the rest.
func (c *Coordinator) SyncLibrary(ctx context.Context, client *calibre.Client, library *models.Library, opts Options) (*Result, error) {
	if !c.claimLibrary(library.ID) {
		return nil, errcodes.Conflict("A sync is already running for this library.")
	}
	defer c.releaseLibrary(library.ID)

	log := logger.FromContext(ctx)
	res := &Result{LibraryID: library.ID, StartedAt: time.Now()}

	entry := c.activity.LogStart(ctx, &models.ActivityLogEntry{
		Type:      models.ActivityTypeSync,
		LibraryID: &library.ID,
		Method:    http.MethodPost,
		URL:       client.URL("/cdb/cmd/list/0", nil),
	})

	serverIDs, err := client.ListBookIDs(ctx, library.Key, opts.Filter)
	if err != nil {
		c.activity.LogFinish(ctx, entry, "error")
		return nil, err
	}
	c.activity.LogFinish(ctx, entry, "ok")

	localIDs, err := c.books.ListCalibreIDs(ctx, library.ID)
	if err != nil {
		return nil, err
	}

	local := make(map[int64]struct{}, len(localIDs))
	for _, id := range localIDs {
		local[id] = struct{}{}
	}
	server := make(map[int64]struct{}, len(serverIDs))
	for _, id := range serverIDs {
		server[id] = struct{}{}
	}

	if opts.Full {
		deleted := make([]int64, 0)
		for _, id := range localIDs {
			if _, ok := server[id]; !ok {
				deleted = append(deleted, id)
			}
		}
		if len(deleted) > 0 {
			if err := c.books.Tombstone(ctx, library.ID, deleted); err != nil {
				return nil, err
			}
			res.Tombstoned = len(deleted)
		}
	}

	c.fetchAll(ctx, client, library, serverIDs, local, res)

	res.FinishedAt = time.Now()
	log.Info("library sync finished", logger.Data{
		"library_id": library.ID,
		"added":      res.Added,
		"updated":    res.Updated,
		"unchanged":  res.Unchanged,
		"tombstoned": res.Tombstoned,
		"failed":     len(res.Failed),
	})

	return res, nil
}

// fetchAll runs the per-book fetches through a bounded worker pool and folds
// the outcomes into res.
func (c *Coordinator) fetchAll(ctx context.Context, client *calibre.Client, library *models.Library, serverIDs []int64, local map[int64]struct{}, res *Result) {
	type outcome struct {
		calibreID int64
		isNew     bool
		result    *metadata.Result
		err       error
	}

	ids := make(chan int64)
	outcomes := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				_, existed := local[id]
				r, err := c.FetchBook(ctx, client, library, id)
				outcomes <- outcome{calibreID: id, isNew: !existed, result: r, err: err}
			}
		}()
	}

	go func() {
		defer close(ids)
		for _, id := range serverIDs {
			select {
			case ids <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		switch {
		case o.err != nil:
			res.Failed = append(res.Failed, BookError{CalibreID: o.calibreID, Err: o.err})
		case o.result.Tombstoned:
			res.Tombstoned++
		case o.result.Updated && o.isNew:
			res.Added++
		case o.result.Updated:
			res.Updated++
		default:
			res.Unchanged++
		}
		if o.result != nil && o.result.Conflict != nil {
			res.Conflicts = append(res.Conflicts, o.result.Conflict)
		}
	}

	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].CalibreID < res.Failed[j].CalibreID })
}

func (c *Coordinator) claimLibrary(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.libraries[id]; ok {
		return false
	}
	c.libraries[id] = struct{}{}
	return true
}

func (c *Coordinator) releaseLibrary(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.libraries, id)
}
