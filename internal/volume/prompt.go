package volume

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// info script subcommand options, as the volume scripts of other tar
// implementations expect them
var subcommandFlags = map[string]string{
	"create":  "-c",
	"append":  "-r",
	"update":  "-u",
	"extract": "-x",
	"list":    "-t",
	"diff":    "-d",
	"cat":     "-A",
	"delete":  "--delete",
}

const menuHelp = ` n name        Give a new file name for the next (and subsequent) volume(s)
 q             Abort
 y or newline  Continue operation
`

// promptVolume asks for the next volume, through the info script when
// one is configured and the interactive menu otherwise.
func (s *Session) promptVolume() error {
	if s.opts.InfoScript == "" {
		return s.changeTapeMenu()
	}
	if s.opts.VolnoFile != "" {
		if err := writeVolno(s.opts.VolnoFile, s.globalVolno); err != nil {
			return err
		}
	}
	return s.runInfoScript()
}

func (s *Session) promptReader() *bufio.Reader {
	if s.prompt != nil {
		return s.prompt
	}
	r := s.opts.Prompt
	if r == nil {
		r = os.Stdin
		if s.opts.Archives[0] == "-" && s.mode != ModeWrite {
			if tty, err := os.Open("/dev/tty"); err == nil {
				r = tty
			}
		}
	}
	s.prompt = bufio.NewReader(r)
	return s.prompt
}

func (s *Session) promptWriter() io.Writer {
	if s.opts.PromptOut != nil {
		return s.opts.PromptOut
	}
	return os.Stderr
}

// writing reports whether the run creates or modifies an archive.
func (s *Session) writing() bool {
	switch s.opts.Subcommand {
	case "extract", "list", "diff":
		return false
	case "":
		return s.mode != ModeRead
	}
	return true
}

func (s *Session) changeTapeMenu() error {
	in, out := s.promptReader(), s.promptWriter()
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\aPrepare volume #%d for %q and hit return: ", s.globalVolno+1, s.name())
		line, err := in.ReadString('\n')
		if line == "" {
			slog.Warn("EOF where user reply was expected", "error", err)
			if s.writing() {
				slog.Warn("archive is incomplete", "archive", s.name())
			}
			return ErrNoReply
		}

		switch line[0] {
		case '\n', 'y', 'Y':
			return nil
		case '?':
			fmt.Fprint(out, menuHelp)
			if !s.opts.RestrictShell {
				fmt.Fprintln(out, " !             Spawn a subshell")
			}
			fmt.Fprintln(out, " ?             Print this list")
		case 'q':
			if s.writing() {
				slog.Warn("archive is incomplete", "archive", s.name())
			}
			return ErrNoNewVolume
		case 'n':
			name := strings.TrimLeft(line[1:], " \t")
			name = strings.TrimRight(name, "\r\n")
			if name != "" {
				s.names[s.cursor] = name
				return nil
			}
			fmt.Fprintln(out, "File name not specified. Try again.")
		case '!':
			if !s.opts.RestrictShell {
				if err := s.spawnShell(); err != nil {
					slog.Warn("subshell failed", "error", err)
				}
				break
			}
			fmt.Fprintln(out, "Invalid input. Type ? for help.")
		default:
			fmt.Fprintln(out, "Invalid input. Type ? for help.")
		}
	}
}

func (s *Session) spawnShell() error {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(s.ctx, shell, "-i")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stderr, os.Stderr
	return cmd.Run()
}

// runInfoScript runs the info script for the next volume. The script may
// write a new volume name to file descriptor 3.
func (s *Session) runInfoScript() error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	defer pr.Close()

	cmd := exec.CommandContext(s.ctx, "/bin/sh", "-c", s.opts.InfoScript)
	cmd.Env = append(os.Environ(),
		"TAR_VERSION="+s.opts.Version,
		"TAR_ARCHIVE="+s.name(),
		"TAR_VOLUME="+strconv.FormatInt(s.globalVolno+1, 10),
		"TAR_BLOCKING_FACTOR="+strconv.Itoa(s.BlockingFactor()),
		"TAR_SUBCOMMAND="+subcommandFlags[s.opts.Subcommand],
		"TAR_FORMAT="+s.opts.Format.Resolve().String(),
		"TAR_FD=3",
	)
	cmd.ExtraFiles = []*os.File{pw}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stderr, os.Stderr
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("%q command failed: %w", s.opts.InfoScript, err)
	}
	pw.Close()

	reply, rerr := io.ReadAll(pr)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%q command failed: %w", s.opts.InfoScript, err)
	}
	if rerr != nil {
		return fmt.Errorf("%q command reply: %w", s.opts.InfoScript, rerr)
	}
	name, _, _ := strings.Cut(string(reply), "\n")
	if name != "" {
		s.names[s.cursor] = name
	}
	return nil
}
