// Package hotkeys loads and indexes the hot-key template files that
// declare which interactive actions exist for which monitoring
// entities. The index is built once at startup and read-only for the
// process lifetime; the templates, not the monitoring system's live
// inventory, are the source of truth for what is actionable.
package hotkeys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zactuator/zactuator/pkg/protocol"
)

// ErrNotFound is returned by Resolve when no template covers the
// entity/action pair.
var ErrNotFound = errors.New("no hot-key template for entity")

// ImageSource names where a main image comes from.
type ImageSource string

const (
	SourceItem  ImageSource = "item"
	SourceGraph ImageSource = "graph"
)

// MainImage designates the graph shown inline in a hostinfo response.
type MainImage struct {
	Source ImageSource `json:"source"`
	ID     string      `json:"id"`
}

// hostRecord is the on-disk shape of one host template.
type hostRecord struct {
	ID         string            `json:"id"`
	Host       string            `json:"host"`
	Actions    []string          `json:"actions"`
	Items      []string          `json:"items"`
	Graphs     map[string]string `json:"graphs"`
	ItemGraphs map[string]string `json:"item_graphs"`
	MainImage  *MainImage        `json:"main_image,omitempty"`
}

// elementRecord is the on-disk shape of one item or graph template.
type elementRecord struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Entry is one resolved template: an entity plus the actions it allows
// and the rendering data those actions need.
type Entry struct {
	Ref  protocol.EntityRef
	Name string

	// Host entries only.
	ZabbixHost string
	Items      []string
	Graphs     map[string]string
	ItemGraphs map[string]string
	MainImage  *MainImage

	actions map[Action]struct{}
}

// Allows reports whether the entry permits the action.
func (e Entry) Allows(a Action) bool {
	_, ok := e.actions[a]
	return ok
}

// Actions returns the entry's permitted action names, for listings.
func (e Entry) Actions() []string {
	names := make([]string, 0, len(e.actions))
	for a := range allActions {
		if _, ok := e.actions[a]; ok {
			names = append(names, string(a))
		}
	}
	return names
}

type entryKey struct {
	typ protocol.EntityType
	id  string
}

// Registry is the immutable hot-key index. Safe for concurrent reads.
type Registry struct {
	entries map[entryKey]Entry
	files   []string
	logger  zerolog.Logger
}

// Load parses the host-oriented and item/graph-oriented template files
// and builds the index. Any missing file, malformed record, unknown
// action kind, action on the wrong entity type, or duplicate entity id
// fails the load; the process must not start with a partial registry.
func Load(hostFile, itemGraphFile string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		entries: make(map[entryKey]Entry),
		files:   []string{hostFile, itemGraphFile},
		logger:  logger.With().Str("component", "hotkeys").Logger(),
	}

	if err := r.loadHosts(hostFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", hostFile, err)
	}
	if err := r.loadElements(itemGraphFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", itemGraphFile, err)
	}

	r.logger.Info().
		Int("entries", len(r.entries)).
		Str("host_file", hostFile).
		Str("item_graph_file", itemGraphFile).
		Msg("hot-key templates loaded")
	return r, nil
}

func (r *Registry) loadHosts(path string) error {
	var records []hostRecord
	if err := readJSONFile(path, &records); err != nil {
		return err
	}

	for i, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("record %d: host template has no id", i)
		}
		if rec.Host == "" {
			return fmt.Errorf("host %q: no zabbix host name", rec.ID)
		}
		actions, err := parseActions(protocol.EntityHost, rec.Actions)
		if err != nil {
			return fmt.Errorf("host %q: %w", rec.ID, err)
		}
		entry := Entry{
			Ref:        protocol.EntityRef{Type: protocol.EntityHost, ID: normalizeID(rec.ID)},
			Name:       rec.ID,
			ZabbixHost: rec.Host,
			Items:      rec.Items,
			Graphs:     rec.Graphs,
			ItemGraphs: rec.ItemGraphs,
			MainImage:  rec.MainImage,
			actions:    actions,
		}
		if entry.MainImage != nil {
			switch entry.MainImage.Source {
			case SourceItem, SourceGraph:
			default:
				return fmt.Errorf("host %q: unknown main_image source %q", rec.ID, entry.MainImage.Source)
			}
		}
		if err := r.add(entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadElements(path string) error {
	var records []elementRecord
	if err := readJSONFile(path, &records); err != nil {
		return err
	}

	for i, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("record %d: element template has no id", i)
		}
		typ, err := protocol.ParseEntityType(rec.Type)
		if err != nil {
			return fmt.Errorf("element %q: %w", rec.ID, err)
		}
		if typ == protocol.EntityHost {
			return fmt.Errorf("element %q: host entries belong in the host template file", rec.ID)
		}
		actions, err := parseActions(typ, rec.Actions)
		if err != nil {
			return fmt.Errorf("element %q: %w", rec.ID, err)
		}
		entry := Entry{
			Ref:     protocol.EntityRef{Type: typ, ID: normalizeID(rec.ID)},
			Name:    rec.Name,
			actions: actions,
		}
		if err := r.add(entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) add(e Entry) error {
	k := entryKey{typ: e.Ref.Type, id: e.Ref.ID}
	if _, dup := r.entries[k]; dup {
		return fmt.Errorf("duplicate template for %s", e.Ref)
	}
	r.entries[k] = e
	return nil
}

// Resolve looks up the template entry for an entity and checks the
// action is permitted. Unknown entity or action yields ErrNotFound,
// never a crash.
func (r *Registry) Resolve(ref protocol.EntityRef, action Action) (Entry, error) {
	e, ok := r.entries[entryKey{typ: ref.Type, id: normalizeID(ref.ID)}]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if !e.Allows(action) {
		return Entry{}, fmt.Errorf("%w: action %q not configured for %s", ErrNotFound, action, ref)
	}
	return e, nil
}

// Len returns the number of indexed entries.
func (r *Registry) Len() int { return len(r.entries) }

func parseActions(typ protocol.EntityType, raw []string) (map[Action]struct{}, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no actions configured")
	}
	allowed := actionsByEntity[typ]
	set := make(map[Action]struct{}, len(raw))
	for _, s := range raw {
		a, err := ParseAction(s)
		if err != nil {
			return nil, err
		}
		if _, ok := allowed[a]; !ok {
			return nil, fmt.Errorf("action %q not usable on %s entities", a, typ)
		}
		set[a] = struct{}{}
	}
	return set, nil
}

// normalizeID lowercases entity ids so commands resolve regardless of
// the case the remote side used on its buttons.
func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}
