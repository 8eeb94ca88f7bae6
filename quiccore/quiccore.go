// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quiccore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config is the top-level configuration for one running engine instance.
// AppsRaw holds the configured apps (typically a single "quicengine" entry)
// keyed by module name, decoded and provisioned through a Context.
type Config struct {
	Logging *Logging `json:"logging,omitempty"`

	// AppsRaw are the apps this instance will load and run. The app
	// module name is the key, and the app's config is the value.
	AppsRaw ModuleMap `json:"apps,omitempty" quiccore:"namespace="`

	apps map[string]App

	cancelFunc context.CancelFunc
}

// App is a thing quiccore runs: typically the modules/quicengine engine
// app, but any module satisfying this contract can be registered and run
// alongside it (a metrics exporter, a diagnostics sidecar, etc).
type App interface {
	Start() error
	Stop() error
}

// Run runs the given config, replacing any existing config.
func Run(cfg *Config) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return Load(cfgJSON, true)
}

// Load loads the given config JSON and runs it only if it differs from the
// currently running config, or if forceReload is true.
func Load(cfgJSON []byte, forceReload bool) error {
	rawCfgMu.Lock()
	defer rawCfgMu.Unlock()

	if !forceReload && rawCfgJSON != nil && string(cfgJSON) == string(rawCfgJSON) {
		return errSameConfig
	}

	if err := unsyncedDecodeAndRun(cfgJSON); err != nil {
		return fmt.Errorf("loading config: %v", err)
	}

	rawCfgJSON = append([]byte(nil), cfgJSON...)

	return nil
}

func unsyncedDecodeAndRun(cfgJSON []byte) error {
	var newCfg *Config
	if err := StrictUnmarshalJSON(cfgJSON, &newCfg); err != nil {
		return err
	}

	ctx, err := run(newCfg, true)
	if err != nil {
		return err
	}

	currentCtxMu.Lock()
	oldCtx := currentCtx
	currentCtx = ctx
	currentCtxMu.Unlock()

	unsyncedStop(oldCtx)

	return nil
}

// run provisions newCfg and, if start is true, starts all its apps. If any
// error occurs, modules that were already provisioned are cleaned up and
// apps that were already started are stopped, so this function does not
// leak resources on error.
func run(newCfg *Config, start bool) (Context, error) {
	ctx, err := provisionContext(newCfg)
	if err != nil {
		engineMetrics.configSuccess.Set(0)
		return ctx, err
	}

	if !start {
		return ctx, nil
	}

	err = func() error {
		started := make([]string, 0, len(ctx.cfg.apps))
		for name, a := range ctx.cfg.apps {
			if err := a.Start(); err != nil {
				for _, otherAppName := range started {
					if err2 := ctx.cfg.apps[otherAppName].Stop(); err2 != nil {
						err = fmt.Errorf("%v; additionally, aborting app %s: %v", err, otherAppName, err2)
					}
				}
				return fmt.Errorf("%s app module: start: %v", name, err)
			}
			started = append(started, name)
		}
		return nil
	}()
	if err != nil {
		engineMetrics.configSuccess.Set(0)
		return ctx, err
	}

	engineMetrics.configSuccess.Set(1)
	engineMetrics.configSuccessTime.SetToCurrentTime()

	return ctx, nil
}

// provisionContext creates a new Context from newCfg and provisions its
// logging and apps. If newCfg is nil, an empty configuration is used.
func provisionContext(newCfg *Config) (ctx Context, err error) {
	if newCfg == nil {
		newCfg = new(Config)
	}

	ctx, cancel := NewContext(Context{Context: context.Background(), cfg: newCfg})
	defer func() {
		if err != nil {
			engineMetrics.configSuccess.Set(0)
			cancel()
		}
	}()
	newCfg.cancelFunc = cancel

	if newCfg.Logging == nil {
		newCfg.Logging = new(Logging)
	}
	if err = newCfg.Logging.openLogs(ctx); err != nil {
		return ctx, err
	}

	newCfg.apps = make(map[string]App)

	for appName := range newCfg.AppsRaw {
		if _, err = ctx.App(appName); err != nil {
			return ctx, err
		}
	}

	return ctx, nil
}

// ProvisionContext creates a new Context from the configuration and
// provisions its app modules without starting them. Intended for testing
// and advanced use cases; Run should be used to fully run an instance.
func ProvisionContext(newCfg *Config) (Context, error) {
	return provisionContext(newCfg)
}

// Stop stops running the current configuration. It logs any errors that
// occur while stopping individual apps and continues stopping the rest.
func Stop() error {
	currentCtxMu.RLock()
	ctx := currentCtx
	currentCtxMu.RUnlock()

	rawCfgMu.Lock()
	defer rawCfgMu.Unlock()

	unsyncedStop(ctx)

	currentCtxMu.Lock()
	currentCtx = Context{}
	currentCtxMu.Unlock()

	rawCfgJSON = nil

	return nil
}

// unsyncedStop stops ctx's apps without any locking around ctx; it assumes
// a lock on rawCfgMu is already held, which serializes stop/start of apps.
// It is a no-op if ctx has a nil cfg.
func unsyncedStop(ctx Context) {
	if ctx.cfg == nil {
		return
	}
	for name, a := range ctx.cfg.apps {
		if err := a.Stop(); err != nil {
			log.Printf("[ERROR] stop %s: %v", name, err)
		}
	}
	ctx.cfg.cancelFunc()
}

// Validate loads, provisions, and validates cfg, but does not start it.
func Validate(cfg *Config) error {
	_, err := run(cfg, false)
	if err == nil {
		cfg.cancelFunc()
	}
	return err
}

var errSameConfig = errors.New("config is unchanged")

var (
	currentCtx   Context
	currentCtxMu sync.RWMutex

	rawCfgJSON []byte
	rawCfgMu   sync.Mutex
)

// ActiveContext returns the currently-active context.
func ActiveContext() Context {
	currentCtxMu.RLock()
	defer currentCtxMu.RUnlock()
	return currentCtx
}

// CtxKey is a value type for use with context.WithValue.
type CtxKey string

// Duration can be an integer or a string. An integer is interpreted as
// nanoseconds. If a string, it is a Go time.Duration value such as
// `300ms`, `1.5h`, or `2h45m`; valid units are `ns`, `us`/`µs`, `ms`, `s`,
// `m`, `h`, and `d`.
type Duration time.Duration

// UnmarshalJSON satisfies json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return io.EOF
	}
	var dur time.Duration
	var err error
	if b[0] == byte('"') && b[len(b)-1] == byte('"') {
		dur, err = ParseDuration(strings.Trim(string(b), `"`))
	} else {
		err = json.Unmarshal(b, &dur)
	}
	*d = Duration(dur)
	return err
}

// ParseDuration parses a duration string, adding support for the "d" unit
// meaning number of days, where a day is assumed to be 24h. The maximum
// input string length is 1024.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) > 1024 {
		return 0, fmt.Errorf("parsing duration: input string too long")
	}
	var inNumber bool
	var numStart int
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == 'd' {
			daysStr := s[numStart:i]
			days, err := strconv.ParseFloat(daysStr, 64)
			if err != nil {
				return 0, err
			}
			hours := days * 24.0
			hoursStr := strconv.FormatFloat(hours, 'f', -1, 64)
			s = s[:numStart] + hoursStr + "h" + s[i+1:]
			i--
			continue
		}
		if !inNumber {
			numStart = i
		}
		inNumber = (ch >= '0' && ch <= '9') || ch == '.' || ch == '-' || ch == '+'
	}
	return time.ParseDuration(s)
}

// dataDir returns the directory quiccore uses for local instance state
// (currently only the instance UUID), creating nothing itself.
func dataDir() string {
	if dir := os.Getenv("QUICCORE_DATA_DIR"); dir != "" {
		return dir
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		cfgDir = "."
	}
	return filepath.Join(cfgDir, "quiccore")
}

// InstanceID returns the UUID for this instance, generating and persisting
// one to the local data directory if it does not already exist. Unlike
// bufferstore/timewait's per-connection diagnostic handles, this ID
// identifies the running process across restarts.
func InstanceID() (uuid.UUID, error) {
	dir := dataDir()
	uuidFilePath := filepath.Join(dir, "instance.uuid")
	uuidFileBytes, err := os.ReadFile(uuidFilePath)
	if errors.Is(err, fs.ErrNotExist) {
		id, err := uuid.NewRandom()
		if err != nil {
			return id, err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return id, err
		}
		err = os.WriteFile(uuidFilePath, []byte(id.String()), 0o600)
		return id, err
	} else if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.ParseBytes(uuidFileBytes)
}

// CustomVersion overrides the reported version; set at build time with
// -ldflags '-X .../quiccore.CustomVersion=v1.2.3'.
var CustomVersion string

// ImportPath is this module's canonical import path, used to find its own
// entry in build-info dependency metadata.
const ImportPath = "github.com/klzgrad/naiveproxy-sub075"

// Version returns a simple/short version string and a full version
// string, preferring embedded module build info, falling back to VCS
// info, then to CustomVersion, then "unknown".
func Version() (simple, full string) {
	var module *debug.Module
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if CustomVersion != "" {
			return CustomVersion, CustomVersion
		}
		return "unknown", "unknown"
	}
	for _, dep := range bi.Deps {
		if dep.Path == ImportPath {
			module = dep
			break
		}
	}
	if module != nil {
		simple, full = module.Version, module.Version
		if module.Sum != "" {
			full += " " + module.Sum
		}
	}

	if full == "" {
		var vcsRevision string
		var vcsTime time.Time
		var vcsModified bool
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				vcsRevision = setting.Value
			case "vcs.time":
				vcsTime, _ = time.Parse(time.RFC3339, setting.Value)
			case "vcs.modified":
				vcsModified, _ = strconv.ParseBool(setting.Value)
			}
		}
		if vcsRevision != "" {
			var modified string
			if vcsModified {
				modified = "+modified"
			}
			full = fmt.Sprintf("%s%s (%s)", vcsRevision, modified, vcsTime.Format(time.RFC822))
			simple = vcsRevision
			if _, err := hex.DecodeString(simple); err == nil {
				simple = simple[:8]
			}
			if !vcsTime.IsZero() {
				simple += "-" + vcsTime.Format("20060102")
			}
		}
	}

	if full == "" {
		if CustomVersion != "" {
			full = CustomVersion
		} else {
			full = "unknown"
		}
	} else if CustomVersion != "" {
		full = CustomVersion + " " + full
	}

	if simple == "" || simple == "(devel)" {
		if CustomVersion != "" {
			simple = CustomVersion
		} else {
			simple = "unknown"
		}
	}

	return
}
