package runtime

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/store"
)

// Parser turns a deployed resource into process definitions.
type Parser interface {
	Parse(resourceName string, content []byte) ([]*ProcessDefinition, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(resourceName string, content []byte) ([]*ProcessDefinition, error)

// Parse calls f(resourceName, content).
func (f ParserFunc) Parse(resourceName string, content []byte) ([]*ProcessDefinition, error) {
	return f(resourceName, content)
}

// Resource is one named file of a deployment.
type Resource struct {
	Name    string
	Content []byte
}

// Deployment is the result of a deploy.
type Deployment struct {
	ID          string
	Name        string
	DeployedAt  time.Time
	Definitions []*ProcessDefinition
}

// Repository deploys resources and resolves process definitions.
//
// Parsed definitions are cached by id. A cache miss re-parses the resource
// stored with the definition row, so definitions survive a restart.
//
// Thread-safety: safe for concurrent use.
type Repository struct {
	mu      sync.RWMutex
	parsers []parserEntry
	cache   map[string]*ProcessDefinition
}

type parserEntry struct {
	suffix string
	parser Parser
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{cache: make(map[string]*ProcessDefinition)}
}

// RegisterParser handles resources whose name ends in suffix. Later
// registrations win over earlier ones for the same suffix.
func (r *Repository) RegisterParser(suffix string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append([]parserEntry{{suffix: suffix, parser: p}}, r.parsers...)
}

func (r *Repository) parse(name string, content []byte) ([]*ProcessDefinition, error) {
	r.mu.RLock()
	var p Parser
	for _, e := range r.parsers {
		if strings.HasSuffix(name, e.suffix) {
			p = e.parser
			break
		}
	}
	r.mu.RUnlock()
	if p == nil {
		return nil, fault.Validation("no parser for resource %q", name)
	}
	defs, err := p.Parse(name, content)
	if err != nil {
		if fault.CodeOf(err) != "" {
			return nil, err
		}
		return nil, &fault.Error{Code: fault.CodeValidation, Message: fmt.Sprintf("parse %s", name), Err: err}
	}
	return defs, nil
}

func (r *Repository) cached(id string) (*ProcessDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.cache[id]
	return d, ok
}

func (r *Repository) put(d *ProcessDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[d.ID] = d
}

func (r *Repository) evict(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.cache, id)
	}
}

// Deploy parses resources and stores a new version of every definition
// they contain. The definitions are cached once the command commits.
func (r *Repository) Deploy(cc *command.Context, name string, resources []Resource) (*Deployment, error) {
	if len(resources) == 0 {
		return nil, fault.Validation("deployment %q has no resources", name)
	}
	q, err := cc.Querier()
	if err != nil {
		return nil, err
	}

	d := &Deployment{ID: cc.IDs().Generate(), Name: name, DeployedAt: cc.Clock().Now()}
	var rows []store.DefinitionRecord
	seen := map[string]bool{}
	for _, res := range resources {
		defs, err := r.parse(res.Name, res.Content)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if seen[def.Key] {
				return nil, fault.Validation("deployment %q contains process %q twice", name, def.Key)
			}
			seen[def.Key] = true

			version := 1
			latest, ok, err := store.LatestDefinition(cc.Context(), q, def.Key)
			if err != nil {
				return nil, err
			}
			if ok {
				version = latest.Version + 1
			}
			def.Version = version
			def.DeploymentID = d.ID
			def.ID = fmt.Sprintf("%s:%d:%s", def.Key, version, cc.IDs().Generate())
			d.Definitions = append(d.Definitions, def)
			rows = append(rows, store.DefinitionRecord{
				ID:           def.ID,
				Key:          def.Key,
				Version:      version,
				Name:         def.Name,
				DeploymentID: d.ID,
				ResourceName: res.Name,
				Resource:     res.Content,
			})
		}
	}

	if err := store.InsertDeployment(cc.Context(), q, store.DeploymentRecord{
		ID: d.ID, Name: name, DeployedAt: d.DeployedAt,
	}); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := store.InsertDefinition(cc.Context(), q, row); err != nil {
			return nil, err
		}
	}

	cc.Transaction().AddListener(command.Committed, func(*command.Context) error {
		for _, def := range d.Definitions {
			r.put(def)
		}
		return nil
	})
	cc.Logger().Info("deployed", "deployment", d.ID, "name", name, "definitions", len(d.Definitions))
	return d, nil
}

// Definition returns the deployed definition with id.
func (r *Repository) Definition(cc *command.Context, id string) (*ProcessDefinition, error) {
	if d, ok := r.cached(id); ok {
		return d, nil
	}
	q, err := cc.Querier()
	if err != nil {
		return nil, err
	}
	rec, ok, err := store.GetDefinition(cc.Context(), q, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.NotFound("process definition", id)
	}
	defs, err := r.parse(rec.ResourceName, rec.Resource)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Key == rec.Key {
			def.ID = rec.ID
			def.Version = rec.Version
			def.DeploymentID = rec.DeploymentID
			r.put(def)
			return def, nil
		}
	}
	return nil, fault.Fatal("resource %s of definition %s no longer contains process %q", rec.ResourceName, rec.ID, rec.Key)
}

// LatestDefinition returns the highest deployed version of key.
func (r *Repository) LatestDefinition(cc *command.Context, key string) (*ProcessDefinition, error) {
	q, err := cc.Querier()
	if err != nil {
		return nil, err
	}
	rec, ok, err := store.LatestDefinition(cc.Context(), q, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Validation("no process definition deployed with key %q", key)
	}
	return r.Definition(cc, rec.ID)
}

// Deployments lists the deployments with their definition rows.
func (r *Repository) Deployments(cc *command.Context) ([]store.DeploymentRecord, error) {
	q, err := cc.Querier()
	if err != nil {
		return nil, err
	}
	return store.Deployments(cc.Context(), q)
}
