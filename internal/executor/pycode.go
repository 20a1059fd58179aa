package executor

import (
	"fmt"
	"strconv"
	"strings"
)

// Assistant names the kernel-side chat object: it is created once per kernel
// as Handle = Module.Class() and called as Handle.Method(source).
type Assistant struct {
	Module string
	Class  string
	Method string
	Handle string
}

// DefaultAssistant returns the names used when the config leaves them empty.
func DefaultAssistant() Assistant {
	return Assistant{
		Module: "cellpilot",
		Class:  "Assistant",
		Method: "chat",
		Handle: "__assistant__",
	}
}

// Context variable names bound in the kernel before code and prompt cells run.
const (
	VersionVar  = "__cellpilot_version__"
	PathVar     = "__notebook_path__"
	NotebookVar = "__notebook__"
	CellIDVar   = "__cell_id__"
)

// pyString renders s as a Python string literal. Go's quoting only emits
// escapes Python also understands.
func pyString(s string) string {
	return strconv.Quote(s)
}

func contextCode(version, path, doc, cellID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s = %s\n", VersionVar, pyString(version))
	fmt.Fprintf(&b, "%s = %s\n", PathVar, pyString(path))
	fmt.Fprintf(&b, "%s = %s\n", NotebookVar, pyString(doc))
	fmt.Fprintf(&b, "%s = %s\n", CellIDVar, pyString(cellID))
	return b.String()
}

// bootstrapCode makes sure the handle exists. A missing library leaves the
// handle as None and raises a warning instead of an error.
func (a Assistant) bootstrapCode() string {
	return fmt.Sprintf(`try:
    %[1]s
except NameError:
    try:
        from %[2]s import %[3]s as __cellpilot_cls__
        %[1]s = __cellpilot_cls__()
        del __cellpilot_cls__
    except ImportError as __cellpilot_err__:
        import warnings
        warnings.warn("assistant unavailable: %%s" %% __cellpilot_err__)
        %[1]s = None
`, a.Handle, a.Module, a.Class)
}

func (a Assistant) chatCode(source string) string {
	return fmt.Sprintf("if %[1]s is not None:\n    %[1]s.%[2]s(%[3]s)\n", a.Handle, a.Method, pyString(source))
}
