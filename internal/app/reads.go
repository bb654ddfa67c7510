package app

import (
	"errors"
	"fmt"

	"github.com/kalambet/drinkwatch/internal/stock"
	"github.com/kalambet/drinkwatch/internal/storage"
)

var (
	// ErrNoCatalog is returned by stock views when no stock types are loaded.
	ErrNoCatalog = errors.New("no stock types loaded")

	ErrNoCamera = errors.New("no camera configured")
)

// ImagePath resolves the ind-th original (or annotated) image of capture run
// to a path on disk. It returns storage.ErrNotFound when there is no such file.
func (a *App) ImagePath(run int64, ind int, annotated bool) (string, error) {
	kind := storage.KindOriginal
	if annotated {
		kind = storage.KindAnnotated
	}
	name, ok, err := a.Store.FileNameAt(run, kind, ind)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s image %d of capture %d: %w", kind, ind, run, storage.ErrNotFound)
	}
	return a.Files.Path(kind, name)
}

// StockSummary counts the objects of the latest detection capture by stock
// type, filtered by q when it is not empty.
func (a *App) StockSummary(q string) (stock.Summary, error) {
	return SummarizeStock(a.Store, a.Catalog, q)
}

// CaptureSource is the read access SummarizeStock needs.
type CaptureSource interface {
	LatestCompletedCapture(origins ...storage.Origin) (*storage.Capture, error)
}

// SummarizeStock builds the stock view of the latest loop or detection
// request capture in store.
func SummarizeStock(store CaptureSource, cat *stock.Catalog, q string) (stock.Summary, error) {
	if cat == nil {
		return stock.Summary{}, ErrNoCatalog
	}
	latest, err := store.LatestCompletedCapture(storage.OriginLoop, storage.OriginRequest)
	if err != nil {
		return stock.Summary{}, err
	}
	var counts map[string]int
	if latest != nil {
		if p, ok := latest.Result.Payload.(storage.DetectionPayload); ok {
			counts = p.ObjectCounts()
		}
	}
	return cat.Search(q, counts)
}
