package hypervisor

import (
	"os"
	"path/filepath"
)

// efiVarsName is the EFI variable store created next to the first disk of a
// linux guest that boots through firmware.
const efiVarsName = "efi-vars.fd"

// fileSite says where a guest file that does not exist yet may be created.
// Engines create aux devices and EFI variable stores on first use.
type fileSite func(path string) string

// inPlace creates missing files where the spec names them.
func inPlace(path string) string { return path }

// scratchSite redirects missing files into dir and leaves existing ones alone.
func scratchSite(dir string) fileSite {
	return func(path string) string {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		return filepath.Join(dir, filepath.Base(path))
	}
}
