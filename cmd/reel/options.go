package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bamsammich/reel/internal/config"
	"github.com/bamsammich/reel/internal/sparse"
	"github.com/bamsammich/reel/internal/tarhdr"
	"github.com/bamsammich/reel/internal/volume"
)

// options holds the command line flags shared by every subcommand.
type options struct {
	archives       []string
	dir            string
	blockingFactor int
	format         string
	readFull       bool
	ignoreZeros    bool
	keepOld        bool

	sparse        bool
	sparseVersion string
	holeDetection string

	multiVolume  bool
	tapeLength   string
	volnoFile    string
	infoScript   string
	label        string
	restrict     bool
	continueOn   []string
	noSeek       bool
	warnRecord   bool
	gzip         bool
	bzip2        bool
	xz           bool
	zstd         bool
	lz4          bool
	compress     string
	compressProg string
	autoCompress bool
	bwLimit      string
	totals       bool
	index        bool
	indexDB      string
	forceLocal   bool
	sshKeyFile   string
	knownHosts   string
	insecure     bool
	verbose      bool
	quiet        bool
	logFile      string
	progress     time.Duration
	showVersion  bool
}

func (o *options) register(f *pflag.FlagSet) {
	f.StringArrayVarP(&o.archives, "file", "f", nil, "use archive FILE or DEVICE; repeat for multi-volume (default $TAPE or -)")
	f.StringVarP(&o.dir, "directory", "C", "", "change to DIR before reading or writing files")
	f.IntVarP(&o.blockingFactor, "blocking-factor", "b", volume.DefaultBlockingFactor, "BLOCKS x 512 bytes per record")
	f.StringVarP(&o.format, "format", "H", "gnu", "archive format: gnu, oldgnu, posix (pax), ustar, star, v7")
	f.BoolVarP(&o.readFull, "read-full-records", "B", false, "reblock as we read (for reading 4.2BSD pipes)")
	f.BoolVarP(&o.ignoreZeros, "ignore-zeros", "i", false, "ignore zeroed blocks in archive (means EOF)")
	f.BoolVarP(&o.keepOld, "keep-old-files", "k", false, "don't replace existing files when extracting")

	f.BoolVarP(&o.sparse, "sparse", "S", false, "handle sparse files efficiently")
	f.StringVar(&o.sparseVersion, "sparse-version", "", "sparse format version for posix archives: 0.0, 0.1 or 1.0")
	f.StringVar(&o.holeDetection, "hole-detection", "", "technique to detect holes: seek or raw")

	f.BoolVarP(&o.multiVolume, "multi-volume", "M", false, "create/list/extract multi-volume archive")
	f.StringVarP(&o.tapeLength, "tape-length", "L", "", "change volume after writing SIZE bytes (e.g. 100M)")
	f.StringVar(&o.volnoFile, "volno-file", "", "use/update the volume number in FILE")
	f.StringVarP(&o.infoScript, "info-script", "F", "", "run SCRIPT at end of each volume")
	f.StringVarP(&o.label, "label", "V", "", "create archive with volume name TEXT; on read, use TEXT as a glob to match the volume name")
	f.BoolVar(&o.restrict, "restrict", false, "disable use of some potentially harmful options")
	f.StringSliceVar(&o.continueOn, "continue-on", nil, "write errors that switch volumes (default ENOSPC,EIO,ENXIO)")
	f.BoolVar(&o.noSeek, "no-seek", false, "archive is not seekable")
	f.BoolVar(&o.warnRecord, "warn-record-size", false, "warn when a device returns records of another size")

	f.BoolVarP(&o.gzip, "gzip", "z", false, "filter the archive through gzip")
	f.BoolVarP(&o.bzip2, "bzip2", "j", false, "filter the archive through bzip2")
	f.BoolVarP(&o.xz, "xz", "J", false, "filter the archive through xz")
	f.BoolVar(&o.zstd, "zstd", false, "filter the archive through zstd")
	f.BoolVar(&o.lz4, "lz4", false, "filter the archive through lz4")
	f.StringVar(&o.compress, "compress-format", "", "filter the archive through NAME (gzip, bzip2, xz, zstd, lz4, ...)")
	f.StringVarP(&o.compressProg, "use-compress-program", "I", "", "filter through PROG (must accept -d)")
	f.BoolVarP(&o.autoCompress, "auto-compress", "a", false, "use archive suffix to determine the compression program")
	f.StringVar(&o.bwLimit, "bwlimit", "", "archive bandwidth limit (e.g. 100M, 1G)")
	f.BoolVar(&o.totals, "totals", false, "print total bytes after processing the archive")

	f.BoolVar(&o.index, "index", false, "record members and digests in the default index database")
	f.StringVar(&o.indexDB, "index-db", "", "record members and digests in index database FILE")

	f.BoolVar(&o.forceLocal, "force-local", false, "archive file is local even if it has a colon")
	f.StringVar(&o.sshKeyFile, "ssh-key", "", "SSH private key file for remote archives (default: auto-detect)")
	f.StringVar(&o.knownHosts, "known-hosts", "", "SSH known_hosts file (default: ~/.ssh/known_hosts)")
	f.BoolVar(&o.insecure, "insecure-host-key", false, "do not verify the SSH host key of remote archives")

	f.BoolVarP(&o.verbose, "verbose", "v", false, "verbosely list files processed")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "suppress all output except errors")
	f.StringVar(&o.logFile, "log", "", "write structured JSON log to FILE")
	f.DurationVar(&o.progress, "progress", 0, "print progress every INTERVAL")
	f.Lookup("progress").NoOptDefVal = progressDefault.String()
}

// volumeOptions builds the archive session options from the flags.
func (o *options) volumeOptions() (volume.Options, error) {
	archives := o.archives
	if len(archives) == 0 {
		if tape := os.Getenv("TAPE"); tape != "" {
			archives = []string{tape}
		} else {
			archives = []string{"-"}
		}
	}
	format, err := tarhdr.ParseFormat(o.format)
	if err != nil {
		return volume.Options{}, err
	}
	vo := volume.Options{
		Archives:        archives,
		BlockingFactor:  o.blockingFactor,
		Format:          format,
		MultiVolume:     o.multiVolume,
		ReadFullRecords: o.readFull,
		CompressProgram: o.compressProg,
		AutoCompress:    o.autoCompress,
		Label:           o.label,
		VolnoFile:       o.volnoFile,
		InfoScript:      o.infoScript,
		RestrictShell:   o.restrict,
		NoSeek:          o.noSeek,
		Totals:          o.totals,
		WarnRecordSize:  o.warnRecord,
	}
	if o.tapeLength != "" {
		if vo.TapeLength, err = config.ParseSize(o.tapeLength); err != nil {
			return volume.Options{}, fmt.Errorf("invalid --tape-length: %w", err)
		}
	}
	if o.bwLimit != "" {
		if vo.BWLimit, err = config.ParseSize(o.bwLimit); err != nil {
			return volume.Options{}, fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}
	if vo.Compress, err = o.compression(); err != nil {
		return volume.Options{}, err
	}
	if len(o.continueOn) > 0 {
		vo.ContinueOn = make([]syscall.Errno, 0, len(o.continueOn))
		for _, name := range o.continueOn {
			e, err := volume.ParseErrno(name)
			if err != nil {
				return volume.Options{}, fmt.Errorf("invalid --continue-on: %w", err)
			}
			vo.ContinueOn = append(vo.ContinueOn, e)
		}
	}
	return vo, nil
}

// compression resolves the compression flags. At most one may be given.
func (o *options) compression() (volume.Compression, error) {
	var picked []volume.Compression
	for _, c := range []struct {
		set bool
		c   volume.Compression
	}{
		{o.gzip, volume.CompressGzip},
		{o.bzip2, volume.CompressBzip2},
		{o.xz, volume.CompressXz},
		{o.zstd, volume.CompressZstd},
		{o.lz4, volume.CompressLz4},
	} {
		if c.set {
			picked = append(picked, c.c)
		}
	}
	if o.compress != "" {
		c, err := volume.ParseCompression(o.compress)
		if err != nil {
			return volume.CompressNone, err
		}
		picked = append(picked, c)
	}
	switch {
	case len(picked) > 1:
		return volume.CompressNone, errors.New("conflicting compression options")
	case len(picked) == 1 && o.compressProg != "":
		return volume.CompressNone, errors.New("conflicting compression options")
	case len(picked) == 1:
		return picked[0], nil
	}
	return volume.CompressNone, nil
}

func (o *options) sparseOptions() (sparse.Options, error) {
	v, err := sparse.ParseVersion(o.sparseVersion)
	if err != nil {
		return sparse.Options{}, err
	}
	d, err := sparse.ParseDetection(o.holeDetection)
	if err != nil {
		return sparse.Options{}, err
	}
	if o.sparseVersion != "" {
		// Choosing a sparse version implies sparse archiving.
		o.sparse = true
	}
	return sparse.Options{Version: v, Detection: d}, nil
}

// applyConfigDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func applyConfigDefaults(flags *pflag.FlagSet, cfg config.Config, o *options) {
	d, v := cfg.Defaults, cfg.Volume
	setInt(flags, "blocking-factor", d.BlockingFactor, &o.blockingFactor)
	setString(flags, "format", d.Format, &o.format)
	setBool(flags, "sparse", d.Sparse, &o.sparse)
	setString(flags, "sparse-version", d.SparseVersion, &o.sparseVersion)
	setString(flags, "hole-detection", d.HoleDetection, &o.holeDetection)
	setBool(flags, "read-full-records", d.ReadFullRecords, &o.readFull)
	setString(flags, "compress-format", d.Compress, &o.compress)
	setString(flags, "bwlimit", d.BWLimit, &o.bwLimit)
	setString(flags, "index-db", d.IndexDB, &o.indexDB)

	setBool(flags, "multi-volume", v.MultiVolume, &o.multiVolume)
	setString(flags, "tape-length", v.TapeLength, &o.tapeLength)
	setString(flags, "volno-file", v.VolnoFile, &o.volnoFile)
	setString(flags, "info-script", v.InfoScript, &o.infoScript)
	setString(flags, "label", v.Label, &o.label)
	setBool(flags, "restrict", v.RestrictShell, &o.restrict)
	if !flags.Changed("continue-on") && len(v.ContinueOn) > 0 {
		o.continueOn = v.ContinueOn
	}
	if o.compressProg != "" || o.gzip || o.bzip2 || o.xz || o.zstd || o.lz4 {
		// A compression flag on the command line wins over the config.
		if !flags.Changed("compress-format") {
			o.compress = ""
		}
	}
}

func setBool(flags *pflag.FlagSet, name string, v *bool, dst *bool) {
	if !flags.Changed(name) && v != nil {
		*dst = *v
	}
}

func setInt(flags *pflag.FlagSet, name string, v *int, dst *int) {
	if !flags.Changed(name) && v != nil {
		*dst = *v
	}
}

func setString(flags *pflag.FlagSet, name string, v *string, dst *string) {
	if !flags.Changed(name) && v != nil {
		*dst = *v
	}
}
