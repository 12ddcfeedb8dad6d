package jobregistry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// StepOutputPath returns the path a step writes its artifact to.
//
// When targetPath is an existing directory the result is
// <targetPath>/<jobID>-<stepIndex> with no extension. Otherwise targetPath is
// treated as a file and the job id and step index are spliced in before the
// extension: <dir>/<stem>-<jobID>-<stepIndex><ext>.
//
// A target without a directory component yields a relative path.
func StepOutputPath(jobID string, stepIndex int, targetPath string) string {
	suffix := jobID + "-" + strconv.Itoa(stepIndex)

	if isDirectory(targetPath) {
		return filepath.Join(targetPath, suffix)
	}

	dir, file := filepath.Split(targetPath)
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	if stem == "" {
		// Dotfiles like ".env" have no extension.
		stem, ext = file, ""
	}
	return filepath.Join(dir, stem+"-"+suffix+ext)
}

func isDirectory(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
