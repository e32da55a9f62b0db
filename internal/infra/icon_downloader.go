package infra

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// IconDownloader handles downloading and caching token icons
type IconDownloader struct {
	basePath string
	client   *http.Client
}

// NewIconDownloader creates a new IconDownloader
func NewIconDownloader() (*IconDownloader, error) {
	path, err := getAssetsPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assets path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create assets directory: %w", err)
	}

	// Optimize HTTP Transport to prevent connection leaks
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	return &IconDownloader{
		basePath: path,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}, nil
}

// DownloadIcon downloads the icon for a token from its provider image URL if
// not already cached. Returns the local file path on success.
// Images are resized to 24x24 pixels for consistent UI display
func (d *IconDownloader) DownloadIcon(id, imageURL string) (string, error) {
	// Security: Sanitize id to prevent path traversal
	safeID := sanitizeID(id)
	if safeID == "" {
		return "", fmt.Errorf("invalid token id: %s", id)
	}
	if imageURL == "" {
		return "", fmt.Errorf("no image url for token: %s", id)
	}

	filePath := d.GetIconPath(id)

	// Check if exists
	if _, err := os.Stat(filePath); err == nil {
		return filePath, nil // Already exists (Cache Hit)
	}

	resp, err := d.client.Get(imageURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	// Decode the image
	srcImg, err := imaging.Decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	// Resize to 24x24 with high-quality Lanczos filter
	resizedImg := imaging.Resize(srcImg, 24, 24, imaging.Lanczos)

	// Save the resized image
	if err := imaging.Save(resizedImg, filePath); err != nil {
		return "", fmt.Errorf("failed to save resized image: %w", err)
	}

	return filePath, nil
}

// GetIconPath returns the local path for a token's icon
func (d *IconDownloader) GetIconPath(id string) string {
	return filepath.Join(d.basePath, strings.ToLower(sanitizeID(id))+".png")
}

func getAssetsPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "TokenWatch", "assets", "icons"), nil
}

func sanitizeID(id string) string {
	res := make([]rune, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			res = append(res, r)
		}
	}
	return string(res)
}
