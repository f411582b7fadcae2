package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// pruneProfiles applies the profile retention policy (age, then max count)
// to `profiles/`, excluding sessions that are currently active.
func (d *Daemon) pruneProfiles(ctx context.Context) {
	if !d.opts.PersistProfile {
		return
	}
	_, span := d.tracer.Start(ctx, "daemon.pruneProfiles")
	defer span.End()

	start := time.Now()
	pruned, err := d.pruneDir(
		filepath.Join(d.opts.Root, "profiles"),
		d.opts.Retention.ProfileMaxAgeHours,
		d.opts.Retention.ProfileMaxCount,
	)
	d.metrics.PruneDuration.WithLabelValues("profiles").Observe(time.Since(start).Seconds())

	d.pruneMu.Lock()
	d.pruneHealth.LastProfileRun = time.Now().UTC()
	d.pruneHealth.ProfilesPruned += pruned
	if err != nil {
		d.pruneHealth.LastProfileError = err.Error()
		d.logger.Warn("profile pruning failed", "error", err)
	} else {
		d.pruneHealth.LastProfileError = ""
	}
	d.pruneMu.Unlock()
}

// pruneArtifacts applies the artifact retention policy to session
// directories, excluding active sessions. Reserved subdirectories are
// never candidates (the store's listing already skips them).
func (d *Daemon) pruneArtifacts(ctx context.Context) {
	if !d.opts.Retention.ArtifactPruneEnabled {
		return
	}
	ctx, span := d.tracer.Start(ctx, "daemon.pruneArtifacts")
	defer span.End()

	start := time.Now()
	pruned, err := d.pruneSessionDirs(ctx)
	d.metrics.PruneDuration.WithLabelValues("artifacts").Observe(time.Since(start).Seconds())

	d.pruneMu.Lock()
	d.pruneHealth.LastArtifactRun = time.Now().UTC()
	d.pruneHealth.ArtifactsPruned += pruned
	if err != nil {
		d.pruneHealth.LastArtifactError = err.Error()
		d.logger.Warn("artifact pruning failed", "error", err)
	} else {
		d.pruneHealth.LastArtifactError = ""
	}
	d.pruneMu.Unlock()
}

type pruneCandidate struct {
	name string
	age  time.Time
}

// pruneDir removes subdirectories older than maxAgeHours, then the oldest
// beyond maxCount. Active session IDs are excluded.
func (d *Daemon) pruneDir(dir string, maxAgeHours, maxCount int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	active := make(map[string]struct{})
	for _, id := range d.manager.ActiveIDs() {
		active[id] = struct{}{}
	}

	var candidates []pruneCandidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, inUse := active[e.Name()]; inUse {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, pruneCandidate{name: e.Name(), age: info.ModTime()})
	}

	return d.removeExpired(candidates, dir, maxAgeHours, maxCount)
}

// pruneSessionDirs is pruneDir over the timeline store's session listing,
// using each session's metadata UpdatedAt as its age.
func (d *Daemon) pruneSessionDirs(ctx context.Context) (int, error) {
	dirs, err := d.timeline.ListSessionDirs(ctx)
	if err != nil {
		return 0, err
	}

	active := make(map[string]struct{})
	for _, id := range d.manager.ActiveIDs() {
		active[id] = struct{}{}
	}

	var candidates []pruneCandidate
	for _, sessionID := range dirs {
		if _, inUse := active[sessionID]; inUse {
			continue
		}
		meta, ok, err := d.timeline.ReadMetadata(ctx, sessionID)
		if err != nil || !ok {
			continue
		}
		candidates = append(candidates, pruneCandidate{name: sessionID, age: meta.UpdatedAt})
	}

	pruned := 0
	remove := func(name string) error {
		if err := d.timeline.RemoveSessionDir(ctx, name); err != nil {
			return err
		}
		pruned++
		return nil
	}
	err = applyRetention(candidates, d.opts.Retention.ArtifactMaxAgeHours, d.opts.Retention.ArtifactMaxCount, remove)
	return pruned, err
}

func (d *Daemon) removeExpired(candidates []pruneCandidate, dir string, maxAgeHours, maxCount int) (int, error) {
	pruned := 0
	remove := func(name string) error {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return err
		}
		pruned++
		return nil
	}
	err := applyRetention(candidates, maxAgeHours, maxCount, remove)
	return pruned, err
}

// applyRetention removes candidates past the age cutoff, then the oldest
// survivors beyond maxCount. The first removal error aborts the pass.
func applyRetention(candidates []pruneCandidate, maxAgeHours, maxCount int, remove func(string) error) error {
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)

	var kept []pruneCandidate
	for _, c := range candidates {
		if maxAgeHours > 0 && c.age.Before(cutoff) {
			if err := remove(c.name); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, c)
	}

	if maxCount > 0 && len(kept) > maxCount {
		sort.Slice(kept, func(i, j int) bool { return kept[i].age.Before(kept[j].age) })
		for _, c := range kept[:len(kept)-maxCount] {
			if err := remove(c.name); err != nil {
				return err
			}
		}
	}
	return nil
}
