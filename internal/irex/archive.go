package irex

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		fpath := filepath.Join(dest, f.Name)

		// Zip Slip guard: every entry must stay inside dest.
		if !strings.HasPrefix(fpath, dest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, os.ModePerm); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

// shouldStripTar reports whether the archive has a single top-level
// directory that extraction should strip. Only the first 51 entries are
// listed, which is much faster for large archives.
func shouldStripTar(archive string) (bool, error) {
	debugf("Running strip check for tar extraction")

	cmd := exec.Command("sh", "-c", fmt.Sprintf("tar tf %s | head -n 51", archive))

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("tar tf failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return false, nil
	}

	firstEntry := lines[0]

	slashIdx := strings.IndexByte(firstEntry, '/')
	if slashIdx == -1 {
		// An entry sits at the archive root, so don't strip.
		return false, nil
	}

	topDir := firstEntry[:slashIdx+1]

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, topDir) {
			return false, nil
		}
	}

	return true, nil
}

// extractTar extracts a tar archive (with possible compression) to dest,
// stripping the top-level directory while handling PAX headers and
// preserving timestamps.
func extractTar(realPath, dest string) error {
	f, err := os.Open(realPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", realPath, err)
	}

	// Try system tar first
	strip, err := shouldStripTar(realPath)
	if err != nil {
		debugf("shouldStripTar(%s) failed: %v\n", realPath, err)
	}
	args := []string{"xf", realPath, "-C", dest}
	if strip {
		args = append(args, "--strip-components=1")
	}
	if err := exec.Command("tar", args...).Run(); err == nil {
		_ = f.Close()
		debugf("Used system tar\n")
		return nil
	}
	defer f.Close()

	// Pick the decompressor by file extension
	var r io.Reader = f
	switch {
	case strings.HasSuffix(realPath, ".tar.gz") || strings.HasSuffix(realPath, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", realPath, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(realPath, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(realPath, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", realPath, err)
		}
		r = xzr
	case strings.HasSuffix(realPath, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", realPath, err)
		}
		defer zst.Close()
		r = zst
	case strings.HasSuffix(realPath, ".tar"):
		// No compression
	default:
		return fmt.Errorf("unsupported archive format: %s", realPath)
	}

	tr := tar.NewReader(r)

	// Prefix to strip (e.g. "tears-1.2.3/")
	var prefix string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", realPath, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", realPath, err)
			}
			continue
		}

		// Set prefix on the first non-extended content entry
		if prefix == "" && (hdr.Typeflag == tar.TypeDir || hdr.Typeflag == tar.TypeReg) {
			slashIdx := strings.Index(hdr.Name, "/")
			if slashIdx != -1 {
				prefix = hdr.Name[:slashIdx+1]
				debugf("Detected tar prefix for stripping: %s\n", prefix)
			}
		}

		targetName := hdr.Name
		if prefix != "" && strings.HasPrefix(targetName, prefix) {
			targetName = strings.TrimPrefix(targetName, prefix)
		}

		// The top dir itself strips to nothing
		if targetName == "" {
			continue
		}

		targetPath := filepath.Join(dest, targetName)

		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for dir %s: %w", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(targetPath, hdr.Uid, hdr.Gid)
			}
			atime := unix.Timeval{
				Sec:  hdr.AccessTime.Unix(),
				Usec: int64(hdr.AccessTime.Nanosecond() / 1000),
			}
			mtime := unix.Timeval{
				Sec:  hdr.ModTime.Unix(),
				Usec: int64(hdr.ModTime.Nanosecond() / 1000),
			}
			if err := unix.Lutimes(targetPath, []unix.Timeval{atime, mtime}); err != nil {
				debugf("Warning: failed to set times for symlink %s: %v (continuing)\n", targetPath, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	if prefix == "" {
		debugf("No top-level directory prefix found in %s; extracted without stripping\n", realPath)
	}

	return nil
}

// unpackPackageTarball extracts a binary package .tar.zst into dest with
// paths preserved exactly as archived. Package tarballs are rooted at "./"
// so stripping would corrupt them.
func unpackPackageTarball(tarballPath, dest string) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return fmt.Errorf("open tarball: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		target := filepath.Join(dest, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(target, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
			if os.Geteuid() == 0 {
				_ = os.Chown(target, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return err
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(target, hdr.Uid, hdr.Gid)
			}
		}
	}
	return nil
}

// createPackageTarball creates a .tar.zst archive of outputDir into BinDir.
// It uses system tar if available, otherwise falls back to pure-Go tar+zstd.
func createPackageTarball(pkgName, pkgVer, pkgRev, arch, outputDir string, execCtx *Executor, logger io.Writer) error {
	if logger == nil {
		logger = os.Stdout
	}
	if err := os.MkdirAll(BinDir, 0o755); err != nil {
		return fmt.Errorf("failed to create BinDir: %v", err)
	}

	tarballName := StandardizeRemoteName(pkgName, pkgVer, pkgRev, arch)
	tarballPath := filepath.Join(BinDir, tarballName)

	// --- Try system tar first ---
	if _, err := exec.LookPath("tar"); err == nil {
		// The archive root '.' must be root-owned 0755 even when the
		// staging dir was created by an unprivileged user.
		if os.Geteuid() == 0 {
			if err := os.Chown(outputDir, 0, 0); err != nil {
				return fmt.Errorf("failed to chown outputDir to root natively: %v", err)
			}
			if err := os.Chmod(outputDir, 0755); err != nil {
				return fmt.Errorf("failed to chmod outputDir to 0755 natively: %v", err)
			}
		} else if execCtx.ShouldRunAsRoot {
			chownCmd := exec.Command("chown", "0:0", outputDir)
			if err := execCtx.Run(chownCmd); err != nil {
				return fmt.Errorf("failed to chown outputDir to root: %v", err)
			}
			chmodCmd := exec.Command("chmod", "755", outputDir)
			if err := execCtx.Run(chmodCmd); err != nil {
				return fmt.Errorf("failed to chmod outputDir to 0755: %v", err)
			}
		} else {
			if err := os.Chmod(outputDir, 0755); err != nil {
				debugf("Warning: failed to chmod outputDir to 0755 as user: %v\n", err)
			}
		}

		args := []string{"--zstd", "-cf", tarballPath, "-C", outputDir, "."}
		if !execCtx.ShouldRunAsRoot {
			args = append(args, "--owner=0", "--group=0", "--numeric-owner")
		}
		tarCmd := exec.Command("tar", args...)
		debugf("Creating package tarball with system tar: %s\n", tarballPath)
		if err := execCtx.Run(tarCmd); err == nil {
			fmt.Fprint(logger, colArrow.Sprint("-> "))
			fmt.Fprintln(logger, colSuccess.Sprint("Package tarball created successfully"))
			return nil
		}
		// fall through to internal if tar fails
	}

	// --- Fallback: internal tar+zstd ---
	debugf("System tar not available, falling back to internal tar+zstd for %s\n", tarballPath)

	outFile, err := os.Create(tarballPath)
	if err != nil {
		return fmt.Errorf("failed to create tarball file: %v", err)
	}
	defer outFile.Close()

	zw, err := zstd.NewWriter(outFile)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %v", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	err = filepath.Walk(outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}

		if rel == "." {
			hdr.Name = "./"
			hdr.Mode = 0755
		} else {
			hdr.Name = rel
		}

		// Binary packages must be portably root-owned.
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add files to tarball: %v", err)
	}
	fmt.Fprint(logger, colArrow.Sprint("-> "))
	fmt.Fprintf(logger, "%s", colSuccess.Sprintf("Package tarball created successfully: %s\n", tarballPath))
	return nil
}

// compressXZ compresses a file using XZ
func compressXZ(srcPath, destPath string, execCtx *Executor) error {
	destDir := filepath.Dir(destPath)
	if os.Geteuid() == 0 {
		if err := os.MkdirAll(destDir, 0755); err != nil {
			return fmt.Errorf("failed to create destination directory natively: %w", err)
		}
	} else if execCtx != nil && execCtx.ShouldRunAsRoot {
		mkdirCmd := exec.Command("mkdir", "-p", destDir)
		if err := execCtx.Run(mkdirCmd); err != nil {
			return fmt.Errorf("failed to create destination directory: %w", err)
		}
	} else {
		if err := os.MkdirAll(destDir, 0755); err != nil {
			return fmt.Errorf("failed to create destination directory: %w", err)
		}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	// Elevated destination: compress to a temp file, then copy via executor.
	if execCtx != nil && execCtx.ShouldRunAsRoot {
		tmpFile, err := os.CreateTemp("", "irex-log-*.xz")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		xzWriter, err := xz.NewWriter(tmpFile)
		if err != nil {
			tmpFile.Close()
			return err
		}

		_, err = io.Copy(xzWriter, src)
		xzWriter.Close()
		tmpFile.Close()
		if err != nil {
			return fmt.Errorf("failed to compress to temp file: %w", err)
		}

		if os.Geteuid() == 0 {
			if err := copyFile(tmpPath, destPath); err != nil {
				return fmt.Errorf("failed to copy compressed file natively: %w", err)
			}
			if err := os.Chmod(destPath, 0644); err != nil {
				return fmt.Errorf("failed to set file permissions natively: %w", err)
			}
		} else {
			cpCmd := exec.Command("cp", tmpPath, destPath)
			if err := execCtx.Run(cpCmd); err != nil {
				return fmt.Errorf("failed to copy compressed file: %w", err)
			}
			chmodCmd := exec.Command("chmod", "644", destPath)
			if err := execCtx.Run(chmodCmd); err != nil {
				return fmt.Errorf("failed to set file permissions: %w", err)
			}
		}
		return nil
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		return err
	}
	defer xzWriter.Close()

	_, err = io.Copy(xzWriter, src)
	return err
}
