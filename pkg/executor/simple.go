package executor

import (
	"context"
	"os"
	"time"

	"github.com/buildxl-go/buildxl/pkg/cas"
	"github.com/buildxl-go/buildxl/pkg/corerrors"
	"github.com/buildxl-go/buildxl/pkg/filecontent"
	"github.com/buildxl-go/buildxl/pkg/hash"
	"github.com/buildxl-go/buildxl/pkg/pip"
)

// deployOrMaterialize records the §4.7 UpToDate/DeployedFromCache/Produced
// distinction for a pip whose output content is a pure function of its
// static declaration (CopyFile, WriteFile): if destinationPath already
// carries contentHash on disk, nothing is materialized and the outcome is
// UpToDate; otherwise the content is materialized from the
// Content-Addressed Store, and the outcome is DeployedFromCache if that
// exact content was produced at this path by an earlier run (i.e. only the
// destination file itself went missing or stale) or Succeeded, with origin
// Produced, if this is the first time this content has landed there.
func (e *Executor) deployOrMaterialize(destinationPath string, contentHash hash.Hash, mode cas.RealizationMode) (Outcome, filecontent.Origin, error) {
	upToDate, err := e.FileContent.IsUpToDate(destinationPath, contentHash)
	if err != nil {
		return Failed, filecontent.Produced, err
	}
	if upToDate {
		return UpToDate, filecontent.UpToDate, nil
	}

	recordedHash, hadRecord := e.FileContent.ContentHash(destinationPath)
	origin := filecontent.Produced
	outcome := Succeeded
	if hadRecord && recordedHash == contentHash {
		origin = filecontent.DeployedFromCache
		outcome = DeployedFromCache
	}

	if err := e.CAS.Materialize(destinationPath, contentHash, mode); err != nil {
		return Failed, origin, corerrors.Wrap(corerrors.TransientIO, "unable to materialize "+destinationPath, err)
	}
	if err := e.FileContent.Record(destinationPath, contentHash, mode); err != nil {
		return Failed, origin, err
	}
	return outcome, origin, nil
}

// runCopyFile copies a single source to a single destination. A copy's
// output is a pure function of its static declaration, so it is never
// routed through the fingerprint cache's weak/strong lookup; its §8
// UpToDate/DeployedFromCache distinction is instead decided directly
// against the File Content Manager's record for the destination, via
// deployOrMaterialize.
func (e *Executor) runCopyFile(p *pip.CopyFilePip) (*Result, error) {
	contentHash, exists, err := hashPath(p.Source.Path)
	if err != nil {
		return nil, corerrors.Wrap(corerrors.TransientIO, "unable to hash copy source "+p.Source.Path, err)
	}
	if !exists {
		return &Result{Outcome: Failed, Err: corerrors.New(corerrors.InvalidInput, "copy source "+p.Source.Path+" does not exist")}, nil
	}

	if err := e.CAS.Put(p.Source.Path, contentHash, cas.HardLinkOrCopy); err != nil {
		return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to store copy source", err)
	}

	outcome, origin, err := e.deployOrMaterialize(p.Destination.Path, contentHash, cas.HardLinkOrCopy)
	if err != nil {
		return nil, err
	}
	e.FileContent.RecordOrigin(p.Decl.ID, origin)

	return &Result{Outcome: outcome, Origin: origin}, nil
}

// runWriteFile writes a literal content block to a destination path. Its
// output hash is a pure function of the pip's declaration, so like
// CopyFile its §8 UpToDate/DeployedFromCache distinction is decided
// directly against the File Content Manager's record, via
// deployOrMaterialize, rather than through the fingerprint cache.
func (e *Executor) runWriteFile(p *pip.WriteFilePip) (*Result, error) {
	contentHash := hash.New(p.Content)
	if _, err := e.CAS.Store(p.Content, "", contentHash); err != nil {
		return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to store written content", err)
	}

	outcome, origin, err := e.deployOrMaterialize(p.Destination.Path, contentHash, cas.Copy)
	if err != nil {
		return nil, err
	}
	e.FileContent.RecordOrigin(p.Decl.ID, origin)

	return &Result{Outcome: outcome, Origin: origin}, nil
}

// runHashSourceFile computes and records a source file's content hash so
// that specification-level logic can depend on its identity, without
// otherwise touching the file.
func (e *Executor) runHashSourceFile(p *pip.HashSourceFilePip) (*Result, error) {
	contentHash, exists, err := hashPath(p.Source.Path)
	if err != nil {
		return nil, corerrors.Wrap(corerrors.TransientIO, "unable to hash source "+p.Source.Path, err)
	}
	if !exists {
		return &Result{Outcome: Failed, Err: corerrors.New(corerrors.InvalidInput, "source "+p.Source.Path+" does not exist")}, nil
	}
	if err := e.CAS.Put(p.Source.Path, contentHash, cas.HardLinkOrCopy); err != nil {
		return nil, corerrors.Wrap(corerrors.CacheFailure, "unable to store hashed source", err)
	}
	if err := e.FileContent.Record(p.Source.Path, contentHash, cas.HardLinkOrCopy); err != nil {
		return nil, err
	}
	return &Result{Outcome: Succeeded}, nil
}

// runSealDirectory validates a fully-sealed directory's declared contents.
// A shared opaque directory's contents are discovered only once every pip
// that writes into it has run, which is a build-graph-level concern
// resolved by pkg/graph's rescan after those pips complete, not by this
// per-pip executor; sealing such a directory here is a no-op.
func (e *Executor) runSealDirectory(p *pip.SealDirectoryPip) (*Result, error) {
	if p.Directory.IsSharedOpaque {
		return &Result{Outcome: Succeeded}, nil
	}
	for _, content := range p.Contents {
		if _, err := os.Stat(content.Path); err != nil {
			if os.IsNotExist(err) {
				return &Result{Outcome: Failed, Err: corerrors.New(corerrors.InvalidInput, "sealed content "+content.Path+" does not exist")}, nil
			}
			return nil, corerrors.Wrap(corerrors.TransientIO, "unable to stat sealed content "+content.Path, err)
		}
	}
	return &Result{Outcome: Succeeded}, nil
}

// runIpc sends a pip's payload to its external collaborator and waits for
// a response, via the injected IPCProvider (§6).
func (e *Executor) runIpc(ctx context.Context, p *pip.IpcPip) (*Result, error) {
	if e.IPC == nil {
		return nil, corerrors.New(corerrors.InvalidInput, "pip declares an Ipc action but no IPC provider is configured")
	}
	timeout := p.MessageTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if _, err := e.IPC.Send(ctx, p.ConnectionPath, p.Payload, timeout); err != nil {
		return &Result{Outcome: Failed, Err: corerrors.Wrap(corerrors.TransientIO, "ipc exchange failed", err)}, nil
	}
	return &Result{Outcome: Succeeded}, nil
}
