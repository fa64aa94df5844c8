package compiler

import (
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

// Dependency is one third-party distribution the artifact needs.
type Dependency struct {
	// Import is the name the code imports, or the declared name.
	Import       string `json:"import"`
	Distribution string `json:"distribution"`
	Constraint   string `json:"constraint"`
	Source       string `json:"source"`
}

// Dependency sources.
const (
	SourceDeclared     = "declared"
	SourceImport       = "import"
	SourceRequirements = "requirements"
)

// aliases maps import names whose distribution is published under a
// different name.
var aliases = map[string]string{
	"PIL":      "Pillow",
	"sklearn":  "scikit-learn",
	"cv2":      "opencv-python",
	"yaml":     "pyyaml",
	"bs4":      "beautifulsoup4",
	"png":      "pypng",
	"barcode":  "python-barcode",
	"dotenv":   "python-dotenv",
	"dateutil": "python-dateutil",
	"jwt":      "PyJWT",
	"fitz":     "pymupdf",
}

// bundled modules ship inside the workspace and are never installed.
var bundled = map[string]bool{
	"reliability": true,
	"app":         true,
}

var stdlib = func() map[string]bool {
	names := strings.Fields(`
		__future__ abc aifc argparse array ast asynchat asyncio asyncore atexit audioop
		base64 bdb binascii bisect builtins bz2 cProfile calendar cgi cgitb chunk cmath
		cmd code codecs codeop collections colorsys compileall concurrent configparser
		contextlib contextvars copy copyreg crypt csv ctypes curses dataclasses datetime
		dbm decimal difflib dis distutils doctest email encodings ensurepip enum errno
		faulthandler fcntl filecmp fileinput fnmatch fractions ftplib functools gc getopt
		getpass gettext glob graphlib grp gzip hashlib heapq hmac html http imaplib imghdr
		imp importlib inspect io ipaddress itertools json keyword lib2to3 linecache locale
		logging lzma mailbox mailcap marshal math mimetypes mmap modulefinder msilib msvcrt
		multiprocessing netrc nis nntplib numbers operator optparse os ossaudiodev pathlib
		pdb pickle pickletools pipes pkgutil platform plistlib poplib posix pprint profile
		pstats pty pwd py_compile pyclbr pydoc queue quopri random re readline reprlib
		resource rlcompleter runpy sched secrets select selectors shelve shlex shutil
		signal site smtpd smtplib sndhdr socket socketserver spwd sqlite3 ssl stat
		statistics string stringprep struct subprocess sunau symtable sys sysconfig syslog
		tabnanny tarfile telnetlib tempfile termios textwrap threading time timeit tkinter
		token tokenize tomllib trace traceback tracemalloc tty turtle types typing
		unicodedata unittest urllib uu uuid venv warnings wave weakref webbrowser winreg
		winsound wsgiref xdrlib xml xmlrpc zipapp zipfile zipimport zlib zoneinfo`)
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}()

// distributionName is the normalized project name grammar for installable
// packages.
var distributionName = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?$`)

var requirementsLine = regexp.MustCompile(`(?m)^\s*(?:#\s*)?Requirements:\s*(.+?)\s*$`)

// IsStdlib reports whether name is a top-level standard library module.
func IsStdlib(name string) bool {
	return stdlib[name]
}

// Resolve maps a requirement (an import name or a distribution name,
// optionally followed by a version constraint) to an installable
// distribution. skip is true for standard-library and bundled modules.
func Resolve(requirement string) (dep Dependency, skip bool, err error) {
	name, constraint := splitConstraint(requirement)
	if name == "" {
		return Dependency{}, false, &pipeline.DependencyResolutionError{Name: requirement, Reason: "empty name"}
	}
	top := strings.SplitN(name, ".", 2)[0]
	if stdlib[top] || bundled[top] {
		return Dependency{}, true, nil
	}

	dist := name
	if alias, ok := aliases[top]; ok {
		dist = alias
	}
	if !distributionName.MatchString(dist) {
		return Dependency{}, false, &pipeline.DependencyResolutionError{Name: requirement, Reason: "not a valid distribution name"}
	}
	if constraint == "" {
		constraint = "*"
	}
	return Dependency{Import: name, Distribution: dist, Constraint: constraint}, false, nil
}

func splitConstraint(req string) (name, constraint string) {
	req = strings.TrimSpace(req)
	if i := strings.IndexAny(req, "<>=!~ ;["); i >= 0 {
		return strings.TrimSpace(req[:i]), strings.TrimSpace(req[i:])
	}
	return req, ""
}

// requirementsFrom collects names listed on "Requirements:" lines.
func requirementsFrom(source string) []string {
	var out []string
	for _, m := range requirementsLine.FindAllStringSubmatch(source, -1) {
		for _, r := range strings.Split(m[1], ",") {
			r = strings.Trim(strings.TrimSpace(r), `"'`)
			if r != "" {
				out = append(out, r)
			}
		}
	}
	return out
}

// resolveAll merges every dependency source. Distributions are unique by
// lowercase name; the first source to name a distribution wins.
func resolveAll(declared, imports, required []string) ([]Dependency, error) {
	seen := make(map[string]bool)
	var deps []Dependency

	add := func(names []string, source string) error {
		for _, n := range names {
			dep, skip, err := Resolve(n)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			key := strings.ToLower(dep.Distribution)
			if seen[key] {
				continue
			}
			seen[key] = true
			dep.Source = source
			deps = append(deps, dep)
		}
		return nil
	}

	if err := add(declared, SourceDeclared); err != nil {
		return nil, err
	}
	if err := add(imports, SourceImport); err != nil {
		return nil, err
	}
	if err := add(required, SourceRequirements); err != nil {
		return nil, err
	}

	sort.Slice(deps, func(i, j int) bool {
		return strings.ToLower(deps[i].Distribution) < strings.ToLower(deps[j].Distribution)
	})
	return deps, nil
}
