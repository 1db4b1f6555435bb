package vm

import (
	"fmt"
	"io"
)

// DumpCallInfo writes a readable listing of cm's call-info table and
// relocation stream.
func DumpCallInfo(w io.Writer, cm *CompiledMethod) error {
	records, err := Records(cm)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", cm)
	fmt.Fprintf(w, "  call info: %d records\n", len(records))
	for _, rec := range records {
		fmt.Fprintf(w, "    %s\n", rec)
	}
	relocs, err := cm.Relocations()
	if err != nil {
		return err
	}
	if len(relocs) > 0 {
		fmt.Fprintf(w, "  relocations: %d\n", len(relocs))
		for _, r := range relocs {
			fmt.Fprintf(w, "    %-6s +%d\n", r.Kind, r.Offset)
		}
	}
	return nil
}
