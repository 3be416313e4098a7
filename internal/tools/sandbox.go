package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Applications a tool may launch, lowercase.
var allowedApps = map[string]bool{
	"safari":             true,
	"chrome":             true,
	"google chrome":      true,
	"firefox":            true,
	"terminal":           true,
	"finder":             true,
	"spotify":            true,
	"notes":              true,
	"calendar":           true,
	"calculator":         true,
	"textedit":           true,
	"preview":            true,
	"activity monitor":   true,
	"system preferences": true,
}

// Path prefixes no tool may enter.
var blockedPrefixes = []string{
	"/etc", "/var", "/usr", "/bin", "/sbin",
	"/System", "/Library", "/private",
}

// Path fragments no tool may touch anywhere in a resolved path.
var blockedFragments = []string{".ssh", ".gnupg", ".aws", ".config"}

// Sandbox confines filesystem and process side effects: paths resolve against
// an allowlist of directories, reads are size-capped, and launches go through
// argv exec only, never a shell string.
type Sandbox struct {
	AllowedDirs  []string
	MaxFileBytes int64
	CapturesDir  string
	DryRun       bool

	system string // runtime.GOOS, overridable in tests
}

// NewSandbox returns a sandbox rooted at the working directory with a
// 10 MiB read cap.
func NewSandbox() *Sandbox {
	cwd, _ := os.Getwd()
	home, _ := os.UserHomeDir()
	return &Sandbox{
		AllowedDirs:  []string{cwd},
		MaxFileBytes: 10 * 1024 * 1024,
		CapturesDir:  filepath.Join(home, "Desktop", "JARVIS", "Screenshots"),
		system:       runtime.GOOS,
	}
}

// ExpandHome replaces a leading "~/" or a bare "~" with the user's home
// directory. Returns path unchanged if it does not start with "~".
func ExpandHome(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// CheckPath resolves path and verifies it is inside an allowed directory and
// clear of the blocklists. Returns the resolved absolute path.
//
// Expectations:
//   - Blocked prefix ("/etc/passwd") → "Access to /etc is not allowed"
//   - Blocked fragment ("~/.ssh/id_rsa") → "Access to .ssh is not allowed"
//   - Path outside AllowedDirs → "Path is outside allowed directories"
//   - Path under an allowed dir → resolved path, nil error
func (s *Sandbox) CheckPath(path string) (string, error) {
	abs, err := filepath.Abs(ExpandHome(path))
	if err != nil {
		return "", err
	}
	resolved := filepath.Clean(abs)
	// Follow symlinks when the target exists so a link cannot slip past the
	// prefix checks; for a not-yet-existing file, resolve its directory.
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	} else if real, err := filepath.EvalSymlinks(filepath.Dir(resolved)); err == nil {
		resolved = filepath.Join(real, filepath.Base(resolved))
	}

	for _, blocked := range blockedPrefixes {
		if resolved == blocked || strings.HasPrefix(resolved, blocked+string(filepath.Separator)) {
			return "", fmt.Errorf("Access to %s is not allowed", blocked)
		}
	}
	for _, blocked := range blockedFragments {
		if strings.Contains(resolved, blocked) {
			return "", fmt.Errorf("Access to %s is not allowed", blocked)
		}
	}

	for _, allowed := range s.AllowedDirs {
		allowed = filepath.Clean(ExpandHome(allowed))
		if real, err := filepath.EvalSymlinks(allowed); err == nil {
			allowed = real
		}
		if resolved == allowed || strings.HasPrefix(resolved, allowed+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("Path is outside allowed directories")
}

// ReadFile reads up to maxLines lines from a sandbox-approved file.
func (s *Sandbox) ReadFile(path string, maxLines int) (string, error) {
	resolved, err := s.CheckPath(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("File not found: %s", path)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("Not a file: %s", path)
	}
	if info.Size() > s.MaxFileBytes {
		return "", fmt.Errorf("File too large (max %d bytes)", s.MaxFileBytes)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for i := 0; scanner.Scan(); i++ {
		if i >= maxLines {
			lines = append(lines, fmt.Sprintf("... (truncated after %d lines)", maxLines))
			break
		}
		lines = append(lines, strings.TrimRight(scanner.Text(), " \t\r"))
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// ListDirectory lists a sandbox-approved directory, at most 50 entries.
func (s *Sandbox) ListDirectory(path string, showHidden bool) (string, error) {
	resolved, err := s.CheckPath(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("Directory not found: %s", path)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("Not a directory: %s", path)
	}

	items, err := os.ReadDir(resolved)
	if err != nil {
		return "", err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })

	var entries []string
	for _, item := range items {
		if !showHidden && strings.HasPrefix(item.Name(), ".") {
			continue
		}
		if item.IsDir() {
			entries = append(entries, fmt.Sprintf("📁 %s/", item.Name()))
		} else {
			size := int64(0)
			if fi, err := item.Info(); err == nil {
				size = fi.Size()
			}
			entries = append(entries, fmt.Sprintf("📄 %s (%s bytes)", item.Name(), commaInt(size)))
		}
		if len(entries) >= 50 {
			break
		}
	}

	if len(entries) == 0 {
		return "Directory is empty", nil
	}
	return strings.Join(entries, "\n"), nil
}

// OpenApplication launches an allowlisted application by argv exec. On
// non-macOS systems the launch is reported without running anything.
func (s *Sandbox) OpenApplication(ctx context.Context, appName string) (string, error) {
	if !allowedApps[strings.ToLower(appName)] {
		return "", fmt.Errorf("Application not allowed: %s", appName)
	}

	if s.system == "darwin" {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := runArgv(ctx, "open", "-a", appName); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Opened: %s", appName), nil
}

// SetVolume sets the output volume via osascript on macOS; elsewhere the
// change is reported without running anything.
func (s *Sandbox) SetVolume(ctx context.Context, level int) (string, error) {
	if s.system == "darwin" {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		script := fmt.Sprintf("set volume output volume %d", level)
		if err := runArgv(ctx, "osascript", "-e", script); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Volume set to %d%%", level), nil
}

// TakeScreenshot captures the screen into CapturesDir via screencapture on
// macOS. The region is "full" or "x,y,width,height".
func (s *Sandbox) TakeScreenshot(ctx context.Context, region string) (string, error) {
	if s.system != "darwin" {
		return "Screenshot capture not available", nil
	}
	if err := os.MkdirAll(s.CapturesDir, 0o755); err != nil {
		return "", fmt.Errorf("create captures dir: %w", err)
	}

	out := filepath.Join(s.CapturesDir,
		fmt.Sprintf("screenshot_%s.png", time.Now().Format("20060102_150405")))

	args := []string{"-x"} // -x = no sound
	if r, ok := parseRegion(region); ok {
		args = append(args, "-R", r)
	}
	args = append(args, out)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := runArgv(ctx, "screencapture", args...); err != nil {
		return "", err
	}
	return fmt.Sprintf("Screenshot captured: %s", out), nil
}

// parseRegion validates an "x,y,width,height" region string. Anything else
// (including "full") means whole screen.
func parseRegion(region string) (string, bool) {
	if region == "" || region == "full" {
		return "", false
	}
	parts := strings.Split(region, ",")
	if len(parts) != 4 {
		return "", false
	}
	nums := make([]string, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return "", false
		}
		nums[i] = strconv.Itoa(n)
	}
	return strings.Join(nums, ","), true
}

// runArgv executes a command from an argument vector. There is no shell in
// the path, so tool arguments can never be interpolated into one.
func runArgv(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if _, err := cmd.Output(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return fmt.Errorf("%s: %s", name, strings.TrimSpace(string(ee.Stderr)))
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// commaInt renders n with thousands separators ("1234567" → "1,234,567").
func commaInt(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var sb strings.Builder
	for i, d := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(d)
	}
	if neg {
		return "-" + sb.String()
	}
	return sb.String()
}
