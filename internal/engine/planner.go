package engine

import (
	"fmt"
	"os"
	"path"

	"github.com/mpsync/mpsync/internal/remote"
)

// Planner converts one Intent into the concrete board operations it
// requires, consulting the remote state model. It only reads the model;
// the executor's confirmation step is the sole writer.
type Planner struct {
	model      *remote.Model
	remoteRoot string
}

// NewPlanner creates a planner over the given model. remoteRoot is the
// board directory the sync root maps to; ancestor planning stops there.
func NewPlanner(model *remote.Model, remoteRoot string) *Planner {
	if remoteRoot == "" {
		remoteRoot = "/"
	}

	return &Planner{model: model, remoteRoot: remoteRoot}
}

// Plan returns the actions required to realize an intent, in execution
// order. An empty slice means the board already agrees with the intent.
func (p *Planner) Plan(intent Intent) []PlannedAction {
	switch intent.Effect {
	case EffectPutFile:
		return p.planPutFile(intent)
	case EffectPutDir:
		return p.planPutDir(intent)
	case EffectRemove:
		return p.planRemove(intent.RemotePath)
	default:
		return nil
	}
}

func (p *Planner) planPutFile(intent Intent) []PlannedAction {
	info, err := os.Stat(intent.LocalPath)
	if err != nil || info.IsDir() {
		// Vanished (or replaced by a directory) between debounce expiry
		// and planning: a later event reconciles correctly.
		return nil
	}

	var actions []PlannedAction

	entry, known := p.model.Lookup(intent.RemotePath)
	switch {
	case known && entry.IsDir:
		// Type flip: a directory now holds a file's name. Clear the
		// tree first, leaves included.
		actions = append(actions, p.planRemove(intent.RemotePath)...)
		actions = append(actions, PlannedAction{
			RemotePath: intent.RemotePath,
			Op:         remote.OpCreateFile,
			LocalPath:  intent.LocalPath,
		})

	case known:
		if entry.Fingerprint == Fingerprint(info) {
			return nil // already in sync
		}
		actions = append(actions, PlannedAction{
			RemotePath: intent.RemotePath,
			Op:         remote.OpUpdateFile,
			LocalPath:  intent.LocalPath,
		})

	default:
		actions = append(actions, p.planAncestors(intent.RemotePath)...)
		actions = append(actions, PlannedAction{
			RemotePath: intent.RemotePath,
			Op:         remote.OpCreateFile,
			LocalPath:  intent.LocalPath,
		})
	}

	return actions
}

func (p *Planner) planPutDir(intent Intent) []PlannedAction {
	entry, known := p.model.Lookup(intent.RemotePath)
	if known && entry.IsDir {
		return nil
	}

	var actions []PlannedAction

	if known {
		// A file occupies the directory's name.
		actions = append(actions, PlannedAction{
			RemotePath: intent.RemotePath,
			Op:         remote.OpDeleteFile,
		})
	} else {
		actions = append(actions, p.planAncestors(intent.RemotePath)...)
	}

	return append(actions, PlannedAction{
		RemotePath: intent.RemotePath,
		Op:         remote.OpCreateDir,
	})
}

// planRemove cascades directory deletions leaves-first so a directory
// entry is never deleted while descendants remain.
func (p *Planner) planRemove(remotePath string) []PlannedAction {
	entry, known := p.model.Lookup(remotePath)
	if !known {
		return nil // unknown remotely: no-op
	}

	if !entry.IsDir {
		return []PlannedAction{{RemotePath: remotePath, Op: remote.OpDeleteFile}}
	}

	var actions []PlannedAction
	for _, desc := range p.model.Descendants(remotePath) {
		op := remote.OpDeleteFile
		if desc.IsDir {
			op = remote.OpDeleteDir
		}
		actions = append(actions, PlannedAction{RemotePath: desc.Path, Op: op})
	}

	return append(actions, PlannedAction{RemotePath: remotePath, Op: remote.OpDeleteDir})
}

// planAncestors returns CreateDir actions for every ancestor directory
// missing from the model, shallowest first.
func (p *Planner) planAncestors(remotePath string) []PlannedAction {
	var missing []string

	for dir := path.Dir(remotePath); dir != p.remoteRoot && dir != "/" && dir != "."; dir = path.Dir(dir) {
		if _, known := p.model.Lookup(dir); known {
			break
		}
		missing = append(missing, dir)
	}

	actions := make([]PlannedAction, 0, len(missing))
	for i := len(missing) - 1; i >= 0; i-- {
		actions = append(actions, PlannedAction{RemotePath: missing[i], Op: remote.OpCreateDir})
	}

	return actions
}

// Fingerprint is the cheap content-equality proxy: size plus
// modification time.
func Fingerprint(info os.FileInfo) string {
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixMilli())
}
