package config

import (
	"os"

	"github.com/google/pprof/profile"
)

// MergeProfiles combines the per-CPU pprof.proto files StartProfiling left
// behind into one, so a single profile.Stop() per CPU can still be viewed
// as one aggregate report.
func MergeProfiles(paths []string) (*profile.Profile, error) {
	profs := make([]*profile.Profile, 0, len(paths))

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}

		prof, err := profile.Parse(f)

		closeErr := f.Close()
		if err != nil {
			return nil, err
		}

		if closeErr != nil {
			return nil, closeErr
		}

		profs = append(profs, prof)
	}

	merged, err := profile.Merge(profs)
	if err != nil {
		return nil, err
	}

	return merged, nil
}
