package discover

import (
	"bytes"
	"text/template"

	"github.com/osbuild/osbuild-stick/internal/common"
	"github.com/osbuild/osbuild-stick/internal/store"
)

// ScriptName is the discovery script's filename in the boot loader
// directory, where the main config sources it from.
const ScriptName = "imagedetect.cfg"

// SecondStageConfig is where a discovered image carries its own boot
// configuration. Entries hand over to it after switching the root to the
// loop device.
const SecondStageConfig = "/boot/grub/grub.cfg"

type scriptParams struct {
	StoreRoot   string
	Active      string
	SecondStage string
}

// discoveryScriptTemplate is the boot-time rendition of Scan: same candidate
// glob, same decomposition, same probe-then-discard, written in the boot
// loader's own scripting language.
var discoveryScriptTemplate = template.Must(template.New("script").Parse(`# Image discovery for osbuild-stick. Generated by init, do not edit.
#
# Finds every deployed image on this disk and adds one menu entry per
# image. An entry loop-mounts the image payload and hands over to the
# boot configuration inside it.

insmod regexp
insmod loopback

if regexp --set 1:stickdisk '^\(([^,]+),gpt[0-9]+\)$' "$root"; then
    for image in (${stickdisk},gpt*)/{{.StoreRoot}}/*/*/{{.Active}}; do
        if [ -f "$image" ]; then
            if loopback stickprobe "$image"; then
                if [ -e "(stickprobe){{.SecondStage}}" ]; then
                    regexp --set 1:device --set 2:dir --set 3:name '^(\(.+\))(/{{.StoreRoot}}/(.+))/{{.Active}}$' "$image"
                    menuentry "$name" "$image" {
                        loopback stickimage "$2"
                        set root=(stickimage)
                        configfile {{.SecondStage}}
                        loopback -d stickimage
                    }
                fi
                loopback -d stickprobe
            fi
        fi
    done
fi
`))

var menuTemplate = template.Must(template.New("menu").Parse(`{{range .Entries}}menuentry "{{.Name}}" "{{.ImagePath}}" {
    loopback stickimage "$2"
    set root=(stickimage)
    configfile {{$.SecondStage}}
    loopback -d stickimage
}
{{end}}`))

var mainConfigTemplate = template.Must(template.New("main").Parse(`# Boot loader configuration for osbuild-stick. Generated by init.

set timeout={{.Timeout}}
set default=0

insmod part_gpt
insmod fat
insmod ext2
{{if .Theme}}
insmod gfxterm
loadfont unicode
terminal_output gfxterm
set theme=($root)/grub/themes/{{.Theme}}/theme.txt
export theme
{{end}}
source $prefix/{{.Script}}
`))

// RenderDiscoveryScript produces the boot-time discovery script installed
// next to the main config.
func RenderDiscoveryScript() (string, error) {
	var buf bytes.Buffer
	err := discoveryScriptTemplate.Execute(&buf, scriptParams{
		StoreRoot:   common.StoreRoot,
		Active:      store.ActiveFilename,
		SecondStage: SecondStageConfig,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderMenu produces the menu entries the boot loader would generate for
// the given discovered images. An empty entry list renders an empty menu
// section.
func RenderMenu(entries []Entry) (string, error) {
	var buf bytes.Buffer
	err := menuTemplate.Execute(&buf, struct {
		Entries     []Entry
		SecondStage string
	}{entries, SecondStageConfig})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderMainConfig produces the main boot loader configuration: menu
// behavior, an optional theme, and the hook running image discovery.
func RenderMainConfig(timeout int, theme string) (string, error) {
	var buf bytes.Buffer
	err := mainConfigTemplate.Execute(&buf, struct {
		Timeout int
		Theme   string
		Script  string
	}{timeout, theme, ScriptName})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
