package app

import (
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/odyssey-erp/opsdash/web"
)

var staticTypes = map[string]string{
	".css": "text/css; charset=utf-8",
	".js":  "text/javascript; charset=utf-8",
	".svg": "image/svg+xml",
}

var registerStaticTypes sync.Once

// staticHandler serves the embedded assets under /static/. Minimal base
// images ship without /etc/mime.types, so the board stylesheet type is
// registered explicitly.
func staticHandler(logger *slog.Logger) (http.Handler, error) {
	registerStaticTypes.Do(func() {
		for ext, typ := range staticTypes {
			if mime.TypeByExtension(ext) != "" {
				continue
			}
			if err := mime.AddExtensionType(ext, typ); err != nil {
				logger.Warn("register mime type", slog.String("ext", ext), slog.Any("error", err))
			}
		}
	})
	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		return nil, err
	}
	return staticCacheHandler(http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))), nil
}

// staticCacheHandler caches assets for an hour in the browser.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
