package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Asset names one of the two files a dataset is built from.
type Asset int

const (
	AssetImages Asset = iota
	AssetLabels
)

const (
	DefaultImagesURL = "https://storage.googleapis.com/learnjs-data/model-builder/mnist_images.png"
	DefaultLabelsURL = "https://storage.googleapis.com/learnjs-data/model-builder/mnist_labels_uint8"
)

var assetFiles = map[Asset]string{
	AssetImages: "mnist_images.png",
	AssetLabels: "mnist_labels_uint8",
}

func (a Asset) String() string {
	switch a {
	case AssetImages:
		return "images"
	case AssetLabels:
		return "labels"
	}
	return fmt.Sprintf("asset(%d)", int(a))
}

// FileName is the name the asset is stored under on disk.
func (a Asset) FileName() string { return assetFiles[a] }

// Source yields the raw bytes of a dataset asset.
type Source interface {
	Open(ctx context.Context, asset Asset) (io.ReadCloser, error)
}

// HTTPSource fetches assets over HTTP.
type HTTPSource struct {
	Client    *http.Client
	ImagesURL string
	LabelsURL string
}

// Open issues a GET for the asset's URL.
func (s HTTPSource) Open(ctx context.Context, asset Asset) (io.ReadCloser, error) {
	url := s.ImagesURL
	if asset == AssetLabels {
		url = s.LabelsURL
	}
	if url == "" {
		return nil, errors.Errorf("no url for %s", asset)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("get %s: status %s", url, resp.Status)
	}
	return resp.Body, nil
}

// FileSource reads assets found beneath Root.
type FileSource struct {
	Root string
}

// Open opens the asset's file discovered under Root.
func (s FileSource) Open(_ context.Context, asset Asset) (io.ReadCloser, error) {
	found, err := DiscoverAssets(s.Root)
	if err != nil {
		return nil, err
	}
	path, ok := found[asset]
	if !ok {
		return nil, errors.Wrapf(fs.ErrNotExist, "%s under %s", asset.FileName(), s.Root)
	}
	return os.Open(path)
}

// CachedSource serves assets from Dir, fetching missing ones from Upstream
// and writing them into Dir for the next session.
type CachedSource struct {
	Dir      string
	Upstream Source
}

// Open returns the cached copy or fetches and stores it.
func (s CachedSource) Open(ctx context.Context, asset Asset) (io.ReadCloser, error) {
	rc, err := FileSource{Root: s.Dir}.Open(ctx, asset)
	if err == nil {
		return rc, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if s.Upstream == nil {
		return nil, err
	}

	up, err := s.Upstream.Open(ctx, asset)
	if err != nil {
		return nil, err
	}
	defer up.Close()
	data, err := io.ReadAll(up)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", asset)
	}
	if err := writeCache(s.Dir, asset.FileName(), data); err != nil {
		log.Printf("cache write failed asset=%s err=%v", asset, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Invalidate removes the cached copy of asset so the next Open fetches it
// again. A missing copy is not an error.
func (s CachedSource) Invalidate(asset Asset) error {
	found, err := DiscoverAssets(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	path, ok := found[asset]
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "remove cached %s", asset)
	}
	return nil
}

func writeCache(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// DiscoverAssets walks root and returns the path of each asset file found.
// When a name occurs more than once the lexically first path wins.
func DiscoverAssets(root string) (map[Asset]string, error) {
	byName := make(map[string]Asset, len(assetFiles))
	for asset, name := range assetFiles {
		byName[name] = asset
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := byName[d.Name()]; ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover assets")
	}
	sort.Strings(paths)

	found := make(map[Asset]string, len(assetFiles))
	for _, path := range paths {
		asset := byName[filepath.Base(path)]
		if _, ok := found[asset]; !ok {
			found[asset] = path
		}
	}
	return found, nil
}
