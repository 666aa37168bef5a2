package limits

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
)

// Reference values for cgroup v1 memory controllers.
const (
	DefaultCgroupRoot        = "/sys/fs/cgroup/memory"
	DefaultPoolLimitBytes    = int64(17179869184) // 16 GiB
	DefaultSwapOutStartBytes = int64(1073741824)  // 1 GiB
	DefaultMinResidentBytes  = int64(262144)
	DefaultSwapInSwappiness  = 60
	DefaultSwapOutSwappiness = 100

	limitFile      = "memory.limit_in_bytes"
	swappinessFile = "memory.swappiness"
)

// Writer abstracts the file writes so tests can observe them.
type Writer interface {
	// WriteFile replaces the content of an existing file.
	WriteFile(ctx context.Context, path string, data []byte) error
}

// FileWriter writes to the real filesystem. It never creates files: a missing
// cgroup file is an error, not something to materialize.
type FileWriter struct{}

// WriteFile implements Writer.
func (FileWriter) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Settings configures a Controller. Zero values take the defaults above.
// Swappiness 0 is a valid kernel value, so those fields use nil for the default.
type Settings struct {
	CgroupRoot        string
	PoolLimitBytes    int64
	SwapOutStartBytes int64
	SwapInSwappiness  *int
	SwapOutSwappiness *int
}

// Controller turns swap-in / swap-out intents into memory cgroup writes.
type Controller struct {
	writer            Writer
	settings          Settings
	swapInSwappiness  int
	swapOutSwappiness int
}

// NewController creates a controller writing through w (FileWriter if nil).
func NewController(w Writer, s Settings) *Controller {
	if w == nil {
		w = FileWriter{}
	}
	if s.CgroupRoot == "" {
		s.CgroupRoot = DefaultCgroupRoot
	}
	if s.PoolLimitBytes <= 0 {
		s.PoolLimitBytes = DefaultPoolLimitBytes
	}
	if s.SwapOutStartBytes <= 0 {
		s.SwapOutStartBytes = DefaultSwapOutStartBytes
	}

	c := &Controller{
		writer:            w,
		settings:          s,
		swapInSwappiness:  DefaultSwapInSwappiness,
		swapOutSwappiness: DefaultSwapOutSwappiness,
	}
	if s.SwapInSwappiness != nil {
		c.swapInSwappiness = *s.SwapInSwappiness
	}
	if s.SwapOutSwappiness != nil {
		c.swapOutSwappiness = *s.SwapOutSwappiness
	}
	return c
}

// LimitPath is the pool-wide memory ceiling file.
func (c *Controller) LimitPath() string {
	return filepath.Join(c.settings.CgroupRoot, limitFile)
}

// SwappinessPath is the swappiness file of the cgroup named after pid.
func (c *Controller) SwappinessPath(pid int) string {
	return filepath.Join(c.settings.CgroupRoot, strconv.Itoa(pid), swappinessFile)
}

// SwapIn restores the pool-wide ceiling and makes pid prefer resident pages.
func (c *Controller) SwapIn(ctx context.Context, pid int) error {
	if err := c.write(ctx, c.LimitPath(), c.settings.PoolLimitBytes); err != nil {
		return fmt.Errorf("swap-in %d: failed to restore memory limit: %w", pid, err)
	}
	if err := c.write(ctx, c.SwappinessPath(pid), int64(c.swapInSwappiness)); err != nil {
		return fmt.Errorf("swap-in %d: failed to set swappiness: %w", pid, err)
	}
	return nil
}

// SwapOut pressures pid into giving up resident memory. The pool-wide ceiling
// is halved from SwapOutStartBytes for as long as it stays >= minResident;
// the first failed write ends the halving. The swappiness of pid is then
// raised. Returns the ceilings that were applied. Only a failed swappiness
// write is reported as an error.
func (c *Controller) SwapOut(ctx context.Context, pid int, minResident int64) ([]int64, error) {
	if minResident <= 0 {
		minResident = DefaultMinResidentBytes
	}

	var applied []int64
	for ceiling := c.settings.SwapOutStartBytes; ceiling >= minResident; ceiling /= 2 {
		if err := c.write(ctx, c.LimitPath(), ceiling); err != nil {
			break
		}
		applied = append(applied, ceiling)
	}

	if err := c.write(ctx, c.SwappinessPath(pid), int64(c.swapOutSwappiness)); err != nil {
		return applied, fmt.Errorf("swap-out %d: failed to set swappiness: %w", pid, err)
	}
	return applied, nil
}

// ResidentBytes returns the resident set size of pid.
func (c *Controller) ResidentBytes(ctx context.Context, pid int) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, fmt.Errorf("process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory info of %d: %w", pid, err)
	}
	return mem.RSS, nil
}

func (c *Controller) write(ctx context.Context, path string, value int64) error {
	return c.writer.WriteFile(ctx, path, []byte(strconv.FormatInt(value, 10)))
}
