package irex

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

func lstatViaExecutor(path string, execCtx *Executor) (string, error) {
	if os.Geteuid() == 0 || !execCtx.ShouldRunAsRoot {
		info, err := os.Lstat(path)
		if err != nil {
			return "", fmt.Errorf("failed to lstat %s: %v", path, err)
		}
		mode := info.Mode()
		if mode&os.ModeSymlink != 0 {
			return "symbolic link", nil
		}
		if mode.IsDir() {
			return "directory", nil
		}
		if mode.IsRegular() {
			if info.Size() == 0 {
				return "regular empty file", nil
			}
			return "regular file", nil
		}
		return "unknown", nil
	}

	cmd := exec.Command("stat", "-c", "%F", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := execCtx.Run(cmd); err != nil {
		return "", fmt.Errorf("failed to stat %s: %v: %s", path, err, out.String())
	}
	return strings.TrimSpace(out.String()), nil
}

// listOutputFiles returns every path under outputDir as an absolute-style
// manifest path ("/usr/lib/..."), with directories suffixed by "/".
// Libtool droppings (.la, charset.alias) are filtered out.
func listOutputFiles(outputDir string, execCtx *Executor) ([]string, error) {
	// Native walk when we have the access for it
	if os.Geteuid() == 0 || !execCtx.ShouldRunAsRoot {
		var entries []string
		err := filepath.Walk(outputDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(outputDir, path)
			if err != nil {
				return nil
			}
			if rel == "." {
				return nil
			}
			if strings.HasSuffix(rel, ".la") || strings.HasSuffix(rel, "charset.alias") {
				return nil
			}
			if info.IsDir() {
				entries = append(entries, "/"+rel+"/")
			} else {
				entries = append(entries, "/"+rel)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list output files natively: %v", err)
		}
		sort.Strings(entries)
		return entries, nil
	}

	// Privileged path: 'find -printf' is much faster than stat-per-file
	var entries []string
	cmd := exec.Command("find", outputDir, "-printf", "%y %p\\n")
	var out bytes.Buffer
	cmd.Stdout = &out
	if !Debug {
		cmd.Stderr = io.Discard
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := execCtx.Run(cmd); err != nil {
		return nil, fmt.Errorf("failed to list output files via find: %v", err)
	}

	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}

		ftype := string(line[0])
		path := strings.TrimSpace(line[2:])

		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			continue
		}
		if rel == "." {
			continue
		}
		if strings.HasSuffix(rel, ".la") || strings.HasSuffix(rel, "charset.alias") {
			continue
		}

		if ftype == "d" {
			entries = append(entries, "/"+rel+"/")
		} else {
			entries = append(entries, "/"+rel)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %v", err)
	}

	sort.Strings(entries)
	return entries, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}

// copyDir recursively copies a directory from src to dst
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
		} else {
			if err := copyFile(srcPath, dstPath); err != nil {
				return err
			}
		}
	}

	return nil
}

// copyTreeWithTar copies a whole tree through an in-memory tar stream,
// preserving modes, ownership, symlinks, and hard links. It is the last
// fallback when neither rsync nor cp -a is available.
func copyTreeWithTar(src, dst string, execCtx *Executor) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				if execCtx.ShouldRunAsRoot && os.Geteuid() != 0 {
					cmd := exec.Command("readlink", path)
					var out bytes.Buffer
					cmd.Stdout = &out
					if err := execCtx.Run(cmd); err != nil {
						return fmt.Errorf("failed to read symlink %s: %w", path, err)
					}
					linkTarget = strings.TrimSpace(out.String())
				} else {
					return fmt.Errorf("failed to read symlink %s: %w", path, err)
				}
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				if execCtx.ShouldRunAsRoot && os.Geteuid() != 0 {
					cmd := exec.Command("cat", path)
					var out bytes.Buffer
					cmd.Stdout = &out
					if err := execCtx.Run(cmd); err != nil {
						return fmt.Errorf("failed to read file %s with privileges: %w", path, err)
					}
					if _, err := tw.Write(out.Bytes()); err != nil {
						return err
					}
					return nil
				}
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
		tw.Close()
		return fmt.Errorf("failed to create tar archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}

	tr := tar.NewReader(&buf)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		target := filepath.Join(dst, hdr.Name)

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			if execCtx.ShouldRunAsRoot {
				mkdirCmd := exec.Command("mkdir", "-p", filepath.Dir(target))
				if err := execCtx.Run(mkdirCmd); err != nil {
					return fmt.Errorf("failed to create parent dir %s: %w", filepath.Dir(target), err)
				}
			} else {
				return fmt.Errorf("failed to create parent dir %s: %w", filepath.Dir(target), err)
			}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				if execCtx.ShouldRunAsRoot && os.Geteuid() != 0 {
					mkdirCmd := exec.Command("mkdir", "-p", target)
					if err := execCtx.Run(mkdirCmd); err != nil {
						return fmt.Errorf("failed to create dir %s: %w", target, err)
					}
					chmodCmd := exec.Command("chmod", fmt.Sprintf("%o", hdr.Mode), target)
					execCtx.Run(chmodCmd) // best effort
				} else {
					return err
				}
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(target, hdr.Uid, hdr.Gid)
			} else if execCtx.ShouldRunAsRoot {
				chownCmd := exec.Command("chown", fmt.Sprintf("%d:%d", hdr.Uid, hdr.Gid), target)
				execCtx.Run(chownCmd) // best effort
			}
			os.Chtimes(target, hdr.AccessTime, hdr.ModTime) // best effort

		case tar.TypeReg:
			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				if execCtx.ShouldRunAsRoot && os.Geteuid() != 0 {
					var content bytes.Buffer
					if _, err := io.Copy(&content, tr); err != nil {
						return fmt.Errorf("failed to read file content: %w", err)
					}
					ddCmd := exec.Command("dd", "of="+target, "status=none")
					ddCmd.Stdin = &content
					if err := execCtx.Run(ddCmd); err != nil {
						return fmt.Errorf("failed to write file %s with privileges: %w", target, err)
					}
					chmodCmd := exec.Command("chmod", fmt.Sprintf("%o", hdr.Mode), target)
					execCtx.Run(chmodCmd) // best effort
				} else {
					return fmt.Errorf("failed to create file %s: %w", target, err)
				}
			} else {
				if _, err := io.Copy(outFile, tr); err != nil {
					outFile.Close()
					return fmt.Errorf("failed to write file %s: %w", target, err)
				}
				outFile.Close()
			}

			if os.Geteuid() == 0 {
				_ = os.Chown(target, hdr.Uid, hdr.Gid)
			} else if execCtx.ShouldRunAsRoot {
				chownCmd := exec.Command("chown", fmt.Sprintf("%d:%d", hdr.Uid, hdr.Gid), target)
				execCtx.Run(chownCmd) // best effort
			}
			os.Chtimes(target, hdr.AccessTime, hdr.ModTime) // best effort

		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				if execCtx.ShouldRunAsRoot && os.Geteuid() != 0 {
					lnCmd := exec.Command("ln", "-sf", hdr.Linkname, target)
					if err := execCtx.Run(lnCmd); err != nil {
						return fmt.Errorf("failed to create symlink %s: %w", target, err)
					}
				} else {
					return fmt.Errorf("failed to create symlink %s: %w", target, err)
				}
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(target, hdr.Uid, hdr.Gid)
			} else if execCtx.ShouldRunAsRoot {
				chownCmd := exec.Command("chown", "-h", fmt.Sprintf("%d:%d", hdr.Uid, hdr.Gid), target)
				execCtx.Run(chownCmd) // best effort
			}

		case tar.TypeLink:
			linkTarget := filepath.Join(dst, hdr.Linkname)
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				if execCtx.ShouldRunAsRoot && os.Geteuid() != 0 {
					lnCmd := exec.Command("ln", linkTarget, target)
					if err := execCtx.Run(lnCmd); err != nil {
						return fmt.Errorf("failed to create hard link %s: %w", target, err)
					}
				} else {
					return fmt.Errorf("failed to create hard link %s: %w", target, err)
				}
			}

		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	return nil
}

func readFileAsRoot(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if os.Geteuid() != 0 {
		cmd := exec.Command("sudo", "cat", path)
		out, err := cmd.Output()
		if err == nil {
			return out, nil
		}
	}
	return nil, err
}

// removeFileAsRoot removes a file using the executor
func removeFileAsRoot(path string, execCtx *Executor) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}

	if os.Geteuid() == 0 {
		return err
	}

	cmd := exec.Command("rm", "-f", path)
	return execCtx.Run(cmd)
}
