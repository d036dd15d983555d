// Package guest renders the instrumented payload injected into the guest
// filesystem image: an init script that emits timing marks and configures
// eth0, and the minimal HTTP agent polled by the readiness prober.
package guest

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"text/template"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/marks"
)

// Paths inside the guest filesystem.
const (
	VirtiofsInit = "/vm_init.sh"
	DiskInit     = "/sbin/init"
	AgentPath    = "/agent.py"
)

// defaultSerial is used when the kernel command line names no console.
const defaultSerial = "/dev/ttyAMA0"

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Params are the values baked into the payload. The guest address pair must
// match the neighbor entry the host installs for the tap.
type Params struct {
	RootFS    string
	Serial    string
	GuestIP   string
	GuestMAC  string
	HostIP    string
	HostMAC   string
	PrefixLen int
	AgentPort int
}

// ParamsFrom derives payload parameters from the run configuration.
func ParamsFrom(cfg *config.Config) Params {
	return Params{
		RootFS:    cfg.VM.RootFS,
		Serial:    SerialDevice(cfg.VM.Cmdline),
		GuestIP:   cfg.Network.GuestIP,
		GuestMAC:  cfg.Network.GuestMAC,
		HostIP:    cfg.Network.HostIP,
		HostMAC:   cfg.Network.HostMAC,
		PrefixLen: cfg.Network.PrefixLen,
		AgentPort: cfg.Network.AgentPort,
	}
}

// File is one payload file, Path relative to the guest root.
type File struct {
	Path string
	Mode fs.FileMode
	Data []byte
}

// InitPath returns the init program the kernel is pointed at for a rootfs mode.
func InitPath(rootfs string) string {
	if rootfs == config.RootFSDisk {
		return DiskInit
	}
	return VirtiofsInit
}

// SerialDevice returns the guest device behind the last console= entry of cmdline.
func SerialDevice(cmdline string) string {
	dev := ""
	for _, field := range strings.Fields(cmdline) {
		if v, ok := strings.CutPrefix(field, "console="); ok {
			name, _, _ := strings.Cut(v, ",")
			if name != "" && name != "off" {
				dev = name
			}
		}
	}
	if dev == "" {
		return defaultSerial
	}
	return "/dev/" + dev
}

type templateData struct {
	Params
	Prefix      string
	KernelDone  marks.Tag
	NetDone     marks.Tag
	PythonReady marks.Tag
	Agent       string
	Exec        bool
}

// Render produces the init script and the agent. The init script is
// executable; in virtiofs mode it execs the agent, in disk mode it runs as
// PID 1 and keeps the agent in the background.
func Render(p Params) ([]File, error) {
	if p.GuestIP == "" || p.HostIP == "" || p.GuestMAC == "" || p.HostMAC == "" {
		return nil, fmt.Errorf("guest payload needs host and guest addresses")
	}
	if p.AgentPort <= 0 {
		return nil, fmt.Errorf("invalid agent port %d", p.AgentPort)
	}
	if p.Serial == "" {
		p.Serial = defaultSerial
	}

	data := templateData{
		Params:      p,
		Prefix:      marks.Prefix,
		KernelDone:  marks.KernelDone,
		NetDone:     marks.NetDone,
		PythonReady: marks.PythonReady,
		Agent:       AgentPath,
		Exec:        p.RootFS != config.RootFSDisk,
	}

	initScript, err := execute("init.sh.tmpl", data)
	if err != nil {
		return nil, err
	}
	agent, err := execute("agent.py.tmpl", data)
	if err != nil {
		return nil, err
	}

	return []File{
		{Path: AgentPath, Mode: 0o644, Data: agent},
		{Path: InitPath(p.RootFS), Mode: 0o755, Data: initScript},
	}, nil
}

func execute(name string, data templateData) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
