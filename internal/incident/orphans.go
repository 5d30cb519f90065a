package incident

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScanOrphans returns working copies left behind by captures that never
// finalized: .flog files in dir with no .flog.bz2 counterpart. It does
// not touch them; what to do with a crashed capture is the operator's
// call.
func ScanOrphans(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading incident directory: %w", err)
	}

	var orphans []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".flog") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, name+".bz2")); err == nil {
			continue
		}
		orphans = append(orphans, filepath.Join(dir, name))
	}
	sort.Strings(orphans)
	return orphans, nil
}
