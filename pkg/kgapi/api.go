// Package kgapi implements the public mutation surface: add/update/delete
// block, create page, switch/create/delete graph, and node lookup — each
// building an Operation and routing through
// appstate.WithActiveGraphTransaction, per spec.md §4.7.
package kgapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cymbiont/cymbiont/pkg/appstate"
	"github.com/cymbiont/cymbiont/pkg/graph"
	"github.com/cymbiont/cymbiont/pkg/registry"
	"github.com/cymbiont/cymbiont/pkg/txlog"
)

// ErrNodeNotFound is returned when an external id has no handle in the
// active store.
var ErrNodeNotFound = errors.New("kgapi: node not found")

// KgApi is a thin facade over an *appstate.AppState.
type KgApi struct {
	App *appstate.AppState
}

// New wraps an app state.
func New(app *appstate.AppState) *KgApi { return &KgApi{App: app} }

// AddBlock mints a fresh block id, resolves ((...)) references against the
// active store's current content, and upserts it.
func (k *KgApi) AddBlock(content string, parentID, pageName *string, properties map[string]string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	op := txlog.Operation{Kind: txlog.OperationCreateNode, NodeType: string(graph.NodeTypeBlock), Content: content, TempID: id}

	_, err := appstate.WithActiveGraphTransaction(k.App, op, func(store *graph.Store) (graph.Handle, error) {
		refContent := store.ResolveReferences(content, &id)
		input := graph.BlockInput{
			ID: id, Content: content, Created: now, Updated: now,
			Parent: parentID, Page: pageName, Properties: properties,
		}.WithReferenceContent(refContent)
		return store.UpsertBlock(input)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateBlock preserves CreatedAt, refreshes UpdatedAt, and recomputes
// ReferenceContent.
func (k *KgApi) UpdateBlock(blockID, content string) error {
	existing, err := k.GetNode(blockID)
	if err != nil {
		return err
	}

	op := txlog.Operation{Kind: txlog.OperationUpdateNode, NodeID: blockID, Content: content}

	_, err = appstate.WithActiveGraphTransaction(k.App, op, func(store *graph.Store) (graph.Handle, error) {
		refContent := store.ResolveReferences(content, &blockID)
		input := graph.BlockInput{
			ID: blockID, Content: content, Created: existing.CreatedAt, Updated: time.Now(),
			Properties: existing.Properties,
		}.WithReferenceContent(refContent)
		return store.UpsertBlock(input)
	})
	return err
}

// DeleteBlock archives the block, removing it from the live graph.
func (k *KgApi) DeleteBlock(blockID string) error {
	handle, err := k.resolveHandle(blockID)
	if err != nil {
		return err
	}

	op := txlog.Operation{Kind: txlog.OperationDeleteNode, NodeID: blockID}

	_, err = appstate.WithActiveGraphTransaction(k.App, op, func(store *graph.Store) (string, error) {
		return store.Archive([]graph.ArchiveTarget{{PkmID: blockID, Handle: handle}})
	})
	return err
}

// CreatePage creates (or updates) a page.
func (k *KgApi) CreatePage(name string, properties map[string]string) (string, error) {
	now := time.Now()
	op := txlog.Operation{Kind: txlog.OperationCreateNode, NodeType: string(graph.NodeTypePage), Content: name}

	_, err := appstate.WithActiveGraphTransaction(k.App, op, func(store *graph.Store) (graph.Handle, error) {
		return store.UpsertPage(graph.PageInput{Name: name, Created: now, Updated: now, Properties: properties})
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// GetNode is a read-only lookup; it does not go through a transaction.
func (k *KgApi) GetNode(id string) (graph.Node, error) {
	node, err := appstate.WithActiveGraphRead(k.App, func(store *graph.Store) (graph.Node, error) {
		n, _, ok := store.GetByPkmID(id)
		if !ok {
			return graph.Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		return n, nil
	})
	return node, err
}

func (k *KgApi) resolveHandle(id string) (graph.Handle, error) {
	return appstate.WithActiveGraphRead(k.App, func(store *graph.Store) (graph.Handle, error) {
		_, h, ok := store.GetByPkmID(id)
		if !ok {
			return graph.Handle{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		return h, nil
	})
}

// SwitchGraph makes id the active graph, materializing its store and
// coordinator first if needed.
func (k *KgApi) SwitchGraph(id string) error {
	return k.App.SetActiveGraph(id)
}

// CreateGraph registers a new graph (or updates an existing one by id) and
// persists the registry.
func (k *KgApi) CreateGraph(name, description *string) (registry.Info, error) {
	info := k.App.Registry().Register(registry.RegisterRequest{Name: name, Description: description})
	if err := k.App.Registry().Save(); err != nil {
		return registry.Info{}, err
	}
	if err := k.App.EnsureGraph(info.ID); err != nil {
		return registry.Info{}, err
	}
	return info, nil
}

// DeleteGraph removes a graph's registry entry (archiving its directory),
// refusing to delete the active graph.
func (k *KgApi) DeleteGraph(id string) error {
	if active := k.App.ActiveGraphID(); active != nil && *active == id {
		return fmt.Errorf("kgapi: cannot delete the active graph %s", id)
	}
	if err := k.App.Registry().Remove(id); err != nil {
		return err
	}
	if err := k.App.Registry().Save(); err != nil {
		return err
	}
	k.App.ForgetGraph(id)
	return nil
}
