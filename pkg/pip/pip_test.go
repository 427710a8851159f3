package pip

import "testing"

func TestKindExecutes(t *testing.T) {
	executing := []Kind{Process, CopyFile, WriteFile, SealDirectory, Ipc, HashSourceFile}
	for _, k := range executing {
		if !k.Executes() {
			t.Errorf("%s should execute", k)
		}
	}
	bookkeeping := []Kind{Value, SpecFile, Module}
	for _, k := range bookkeeping {
		if k.Executes() {
			t.Errorf("%s should not execute", k)
		}
	}
}

func TestProcessOptionsHas(t *testing.T) {
	opts := AllowPreserveOutputs | RequireGlobalDependencies
	if !opts.Has(AllowPreserveOutputs) {
		t.Error("expected AllowPreserveOutputs to be set")
	}
	if opts.Has(OutputsMustRemainWritable) {
		t.Error("did not expect OutputsMustRemainWritable to be set")
	}
}

func TestFileArtifactIsSourceFile(t *testing.T) {
	source := FileArtifact{Path: "/a"}
	output := FileArtifact{Path: "/b", WriteCount: 1}
	if !source.IsSourceFile() {
		t.Error("zero write-count artifact should be a source file")
	}
	if output.IsSourceFile() {
		t.Error("positive write-count artifact should not be a source file")
	}
}

func TestValidateRejectsDuplicateOutputs(t *testing.T) {
	p := &WriteFilePip{
		Decl: Declaration{
			ID: 1,
			Outputs: []OutputFile{
				{FileArtifact: FileArtifact{Path: "/out", WriteCount: 1}},
				{FileArtifact: FileArtifact{Path: "/out", WriteCount: 1}},
			},
		},
	}
	if err := Validate(p); err == nil {
		t.Error("expected error for duplicate declared output")
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	p := &ValuePip{Decl: Declaration{ID: 7, OrderOnlyDependencies: []uint64{7}}}
	if err := Validate(p); err == nil {
		t.Error("expected error for self order-only dependency")
	}
}

func TestIdentityStringIsDeterministic(t *testing.T) {
	d := Declaration{ID: 0xDEADBEEFCAFE}
	if d.IdentityString() != d.IdentityString() {
		t.Error("identity string should be deterministic")
	}
	other := Declaration{ID: 0xDEADBEEFCAFF}
	if d.IdentityString() == other.IdentityString() {
		t.Error("distinct identities should render to distinct strings")
	}
}
