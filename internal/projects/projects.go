// Package projects resolves which remote projects are backed up.
package projects

import (
	"context"
	"encoding/json"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/chmdznr/olbackup/internal/scrape"
	"github.com/chmdznr/olbackup/internal/session"
	"github.com/chmdznr/olbackup/pkg/models"
)

var logger = loggo.GetLogger("olbackup.projects")

// ErrDiscovery means the project listing could not be fetched or parsed.
const ErrDiscovery = errors.ConstError("project listing unavailable")

// ListingPath is the page embedding the project list.
const ListingPath = "/project"

// blobMeta names the meta tag whose content attribute holds the listing JSON.
const blobMeta = "ol-prefetchedProjectsBlob"

// PageGetter fetches a page of the authenticated session.
type PageGetter interface {
	Get(ctx context.Context, path string) (*session.Response, error)
}

// Resolution is the outcome of one resolution pass.
type Resolution struct {
	// Projects maps project id to display name.
	Projects map[string]string
	// Skipped holds requested ids that are in the trash.
	Skipped []string
	// Missing holds requested ids the listing does not mention.
	Missing []string
	// Archived holds selected ids that are archived on the server.
	Archived []string
}

type listing struct {
	Projects []models.Project `json:"projects"`
}

// Parse extracts the projects embedded in the listing page.
func Parse(page []byte) ([]models.Project, error) {
	blob, ok := scrape.Attr(page, "meta", "name", blobMeta, "content")
	if !ok {
		return nil, errors.Annotatef(ErrDiscovery, "no %s on listing page", blobMeta)
	}
	var l listing
	if err := json.Unmarshal([]byte(blob), &l); err != nil {
		return nil, errors.Annotatef(ErrDiscovery, "parsing %s: %v", blobMeta, err)
	}
	return l.Projects, nil
}

// Select applies the inclusion rules: trashed projects are never selected,
// an empty ids set selects everything else, otherwise only listed ids.
func Select(projects []models.Project, ids set.Strings) Resolution {
	res := Resolution{Projects: make(map[string]string)}
	listed := set.NewStrings()
	for _, p := range projects {
		listed.Add(p.ID)
		requested := ids.Contains(p.ID)
		if p.Trashed {
			if requested {
				logger.Warningf("project %q (%s) is in the trash, skipping", p.Name, p.ID)
				res.Skipped = append(res.Skipped, p.ID)
			}
			continue
		}
		if ids.IsEmpty() || requested {
			if p.Archived {
				logger.Debugf("project %q (%s) is archived, backing it up anyway", p.Name, p.ID)
				res.Archived = append(res.Archived, p.ID)
			}
			res.Projects[p.ID] = p.Name
		}
	}
	for _, id := range ids.Difference(listed).SortedValues() {
		logger.Warningf("project %s is not in the listing", id)
		res.Missing = append(res.Missing, id)
	}
	return res
}

// Resolve fetches the listing page and selects the projects to back up.
func Resolve(ctx context.Context, src PageGetter, ids set.Strings) (Resolution, error) {
	resp, err := src.Get(ctx, ListingPath)
	if err != nil {
		return Resolution{}, errors.Annotatef(ErrDiscovery, "fetching %s: %v", ListingPath, err)
	}
	if !resp.OK() {
		return Resolution{}, errors.Annotatef(ErrDiscovery, "%s answered %d", ListingPath, resp.Status)
	}
	projects, err := Parse(resp.Body)
	if err != nil {
		return Resolution{}, errors.Trace(err)
	}
	res := Select(projects, ids)
	logger.Debugf("listing has %d projects, %d selected", len(projects), len(res.Projects))
	return res, nil
}

// Resolver binds a page source to a fixed id selection.
type Resolver struct {
	Source PageGetter
	IDs    set.Strings
}

// Resolve returns the id to name mapping of the projects to back up.
func (r *Resolver) Resolve(ctx context.Context) (map[string]string, error) {
	res, err := Resolve(ctx, r.Source, r.IDs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return res.Projects, nil
}
