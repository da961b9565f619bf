package screenshot

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"capium/capability"
)

var illegalChars = regexp.MustCompile(`[\\:*?"<>|]`)

// sanitizeFilename replaces characters that are illegal in file names.
func sanitizeFilename(filename string) string {
	sanitized := illegalChars.ReplaceAllString(filename, "_")
	return strings.ReplaceAll(sanitized, " ", "_")
}

// ImageFileName derives the artifact name for a page URL: scheme and
// credentials are dropped and path separators become underscores. A URL
// without a path names the root page, as a browser would load it.
//
//	http://a.com/b/c -> a.com_b_c.png
//	http://a.com     -> a.com_.png
func ImageFileName(rawURL string) string {
	name := rawURL
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	}
	host := name
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, "@"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexAny(name, "/?#"); i < 0 {
		name += "/"
	} else if name[i] != '/' {
		name = name[:i] + "/" + name[i:]
	}
	name = strings.ReplaceAll(name, "/", "_")
	return sanitizeFilename(name) + ".png"
}

// DestPath is where the artifact for a page of target is written.
func DestPath(outputDir string, target capability.Target, rawURL string) string {
	return filepath.Join(outputDir, target.OS, target.Browser, ImageFileName(rawURL))
}

// URLForBasicAuth embeds user and pass before the host. A URL that already
// carries credentials is returned unchanged.
func URLForBasicAuth(rawURL, user, pass string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse url: %q has no host", rawURL)
	}
	if u.User != nil {
		return rawURL, nil
	}
	u.User = url.UserPassword(user, pass)
	return u.String(), nil
}

// hasCredentials reports whether rawURL carries userinfo.
func hasCredentials(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.User != nil
}
