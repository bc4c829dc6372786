package wasm

import (
	"fmt"

	"github.com/tetratelabs/wazero"
)

// allowedImports is the declared host-call surface (spec §4.3: "modules
// importing anything outside the declared host-call surface" are rejected).
var allowedImports = map[string]struct{}{
	"host.log":            {},
	"host.memory_get":     {},
	"host.memory_set":     {},
	"host.memory_delete":  {},
	"host.config_get":     {},
	"host.emit_event":     {},
	"host.call_ai":        {},
}

// Report documents the features detected while validating a module (spec
// §4.3: "A validation report is produced with the set of detected
// features").
type Report struct {
	Module          string
	DeclaredMemoryPages uint32
	TableSize       uint32
	FunctionCount   uint32
	Imports         []string
}

// validateCompiled checks a compiled module against the spec §4.3 resource
// ceilings and import allowlist. It assumes unknown WASM features (threads,
// SIMD, memory64) were already rejected by CompileModule failing outright,
// since wazero's default RuntimeConfig does not enable them.
func validateCompiled(compiled wazero.CompiledModule, moduleName string) (Report, error) {
	report := Report{Module: moduleName}

	var declaredPages uint32
	for _, def := range compiled.ImportedMemories() {
		declaredPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		declaredPages += def.Min()
	}
	report.DeclaredMemoryPages = declaredPages
	if declaredPages > MaxDeclaredMemoryPages {
		return report, &Fault{
			Reason: FaultResourceLimit, Module: moduleName,
			Detail: fmt.Sprintf("declared memory %d pages exceeds %d page (128MiB) limit", declaredPages, MaxDeclaredMemoryPages),
		}
	}

	funcCount := uint32(len(compiled.ImportedFunctions()) + len(compiled.ExportedFunctions()))
	report.FunctionCount = funcCount
	if funcCount > MaxFunctions {
		return report, &Fault{
			Reason: FaultResourceLimit, Module: moduleName,
			Detail: fmt.Sprintf("function count %d exceeds %d limit", funcCount, MaxFunctions),
		}
	}

	for _, fn := range compiled.ImportedFunctions() {
		modName, name, isImport := fn.Import()
		if !isImport {
			continue
		}
		full := modName + "." + name
		report.Imports = append(report.Imports, full)
		if modName != "host" {
			continue // non-"host" imports (e.g. wasi) are out of this surface check
		}
		if _, ok := allowedImports[full]; !ok {
			return report, &Fault{
				Reason: FaultHostCallDenied, Module: moduleName,
				Detail: fmt.Sprintf("import %q is outside the declared host-call surface", full),
			}
		}
	}

	return report, nil
}
