package pdf

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Unlocker removes password protection from PDF documents by trying an
// ordered list of candidate passwords.
type Unlocker struct {
	passwords []string
	logger    *slog.Logger
}

func NewUnlocker(passwords []string, logger *slog.Logger) *Unlocker {
	return &Unlocker{passwords: passwords, logger: logger}
}

// Unlock tries each candidate password against inputPath in list order.
// On the first success it writes a decrypted copy to outputPath and
// returns true. If every candidate fails it returns false and no output
// file is left behind; the input file is never touched.
func (u *Unlocker) Unlock(inputPath, outputPath string) bool {
	for _, pwd := range u.passwords {
		if err := decrypt(inputPath, outputPath, pwd); err != nil {
			if u.logger != nil {
				u.logger.Debug("pdf password rejected", "path", inputPath, "err", err)
			}
			continue
		}
		if u.logger != nil {
			u.logger.Info("pdf unlocked", "path", inputPath, "output", outputPath)
		}
		return true
	}

	if u.logger != nil {
		u.logger.Warn("pdf unlock exhausted all passwords", "path", inputPath)
	}
	return false
}

// decrypt is all-or-nothing against outputPath: a failed attempt removes
// whatever partial output pdfcpu may have produced.
func decrypt(inputPath, outputPath, password string) error {
	conf := model.NewDefaultConfiguration()
	conf.Cmd = model.DECRYPT
	conf.UserPW = password
	conf.OwnerPW = password

	if err := api.DecryptFile(inputPath, outputPath, conf); err != nil {
		_ = os.Remove(outputPath)
		return fmt.Errorf("decrypt with candidate: %w", err)
	}
	return nil
}
