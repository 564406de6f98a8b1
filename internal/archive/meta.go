package archive

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/distr1/packagefs/internal/pkgfmt"
)

// loadMeta parses the ".PackageInfo" entry's content (one "tag value"
// assignment per line, matching Haiku's .PackageInfo syntax closely
// enough to exercise spec.md §4.2's four recognized tags) and forwards
// each recognized line via HandlePackageAttribute.
func loadMeta(r io.Reader, size int64, handler pkgfmt.ContentHandler) error {
	lr := io.LimitReader(r, size)
	sc := bufio.NewScanner(lr)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		tag, rest := fields[0], fields[1:]
		attr, ok, err := parseAttribute(tag, rest)
		if err != nil {
			return err
		}
		if !ok {
			continue // unrecognized tag, ignored without error
		}
		if err := handler.HandlePackageAttribute(attr); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseAttribute(tag string, rest []string) (pkgfmt.PackageAttribute, bool, error) {
	switch pkgfmt.AttributeTag(tag) {
	case pkgfmt.TagName:
		if len(rest) != 1 {
			return pkgfmt.PackageAttribute{}, false, nil
		}
		return pkgfmt.PackageAttribute{Tag: pkgfmt.TagName, Name: rest[0]}, true, nil

	case pkgfmt.TagVersion:
		if len(rest) != 1 {
			return pkgfmt.PackageAttribute{}, false, nil
		}
		v, err := parseVersion(rest[0])
		if err != nil {
			return pkgfmt.PackageAttribute{}, false, err
		}
		return pkgfmt.PackageAttribute{Tag: pkgfmt.TagVersion, Version: v}, true, nil

	case pkgfmt.TagProvides:
		if len(rest) != 1 {
			return pkgfmt.PackageAttribute{}, false, nil
		}
		return pkgfmt.PackageAttribute{Tag: pkgfmt.TagProvides, ResolvableName: rest[0]}, true, nil

	case pkgfmt.TagRequires:
		// "requires name" | "requires name OP version"
		switch len(rest) {
		case 1:
			return pkgfmt.PackageAttribute{Tag: pkgfmt.TagRequires, ResolvableName: rest[0]}, true, nil
		case 3:
			v, err := parseVersion(rest[2])
			if err != nil {
				return pkgfmt.PackageAttribute{}, false, err
			}
			return pkgfmt.PackageAttribute{
				Tag: pkgfmt.TagRequires, ResolvableName: rest[0],
				Op: pkgfmt.VersionOp(rest[1]), Want: v,
			}, true, nil
		default:
			return pkgfmt.PackageAttribute{}, false, nil
		}

	default:
		return pkgfmt.PackageAttribute{}, false, nil
	}
}

func parseVersion(s string) (pkgfmt.Version, error) {
	main, release, _ := strings.Cut(s, "-")
	parts := strings.SplitN(main, ".", 3)
	var v pkgfmt.Version
	var err error
	if len(parts) > 0 {
		if v.Major, err = strconv.Atoi(parts[0]); err != nil {
			return v, err
		}
	}
	if len(parts) > 1 {
		if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
			return v, err
		}
	}
	if len(parts) > 2 {
		if v.Micro, err = strconv.Atoi(parts[2]); err != nil {
			return v, err
		}
	}
	if release != "" {
		if v.Release, err = strconv.Atoi(release); err != nil {
			return v, err
		}
	}
	return v, nil
}
