package forge

import (
	"encoding/json"
	"os"
	"text/template"
	"time"
)

// infoPlistTemplate is the minimal property list a mac .app needs to launch
// from Finder and register its identifier.
const infoPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleName</key>
	<string>{{.AppName}}</string>
	<key>CFBundleExecutable</key>
	<string>{{.ExecutableName}}</string>
	<key>CFBundleIdentifier</key>
	<string>{{.Identifier}}</string>
	<key>CFBundleShortVersionString</key>
	<string>{{.AppVersion}}</string>
	<key>CFBundleVersion</key>
	<string>{{.AppVersion}}</string>
	<key>CFBundlePackageType</key>
	<string>APPL</string>
	<key>CFBundleInfoDictionaryVersion</key>
	<string>6.0</string>
	<key>NSHighResolutionCapable</key>
	<true/>
</dict>
</plist>
`

const desktopEntryTemplate = `[Desktop Entry]
Type=Application
Name={{.AppName}}
Exec={{.ExecutableName}}
Version=1.0
Categories=Development;
`

func renderTemplate(path, tmpl string, s *Session) error {
	t, err := template.New("manifest").Parse(tmpl)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.Execute(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeInfoPlist(path string, s *Session) error {
	return renderTemplate(path, infoPlistTemplate, s)
}

func writeDesktopEntry(path string, s *Session) error {
	return renderTemplate(path, desktopEntryTemplate, s)
}

// buildInfo is the machine-readable record of what went into a bundle.
type buildInfo struct {
	App        string             `json:"app"`
	Version    string             `json:"version"`
	Identifier string             `json:"identifier"`
	Author     string             `json:"author,omitempty"`
	Target     string             `json:"target"`
	Profile    string             `json:"profile"`
	BuiltAt    time.Time          `json:"built_at"`
	Builder    string             `json:"builder"`
	Libraries  []buildInfoLibrary `json:"libraries"`
}

type buildInfoLibrary struct {
	Name     string `json:"name"`
	CacheKey string `json:"cache_key"`
	System   bool   `json:"system,omitempty"`
	Seconds  int64  `json:"build_seconds"`
}

func writeBuildInfo(path string, s *Session, artifacts map[string]ResolvedArtifact) error {
	info := buildInfo{
		App:        s.AppName,
		Version:    s.AppVersion,
		Identifier: s.Identifier,
		Author:     s.Author,
		Target:     string(s.Triple),
		Profile:    s.Profile,
		BuiltAt:    time.Now().UTC(),
		Builder:    "vmforge " + version,
	}
	for _, name := range sortedArtifactNames(artifacts) {
		art := artifacts[name]
		info.Libraries = append(info.Libraries, buildInfoLibrary{
			Name:     art.Name,
			CacheKey: art.CacheKey,
			System:   art.System,
			Seconds:  int64(art.Duration.Seconds()),
		})
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
