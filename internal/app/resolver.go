package app

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// rootPackage is the synthetic package that depends on everything the
// user asked for. It never appears in the returned solution.
const rootPackage = "__root__"

// Constraint restricts the versions a dependency edge accepts.
type Constraint struct {
	op      string
	version *semver.Version
}

// AnyVersion matches every version.
var AnyVersion = Constraint{op: "*"}

// Matches reports whether the constraint accepts the version.
func (c Constraint) Matches(v *semver.Version) bool {
	switch c.op {
	case "*":
		return true
	case "=":
		return v.Equal(c.version)
	case ">=":
		return !v.LessThan(c.version)
	case ">":
		return v.GreaterThan(c.version)
	case "<":
		return v.LessThan(c.version)
	case "<=":
		return !v.GreaterThan(c.version)
	case "!=":
		return !v.Equal(c.version)
	default:
		return false
	}
}

func (c Constraint) String() string {
	if c.op == "*" {
		return "*"
	}
	return fmt.Sprintf("%s %s", c.op, c.version)
}

// ParseConstraint parses a version constraint such as ">= 1.0", "= 2.0"
// or a bare version. An empty string or "*" matches any version.
func ParseConstraint(constraint string) (Constraint, error) {
	constraint = strings.TrimSpace(constraint)

	if constraint == "" || constraint == "*" {
		return AnyVersion, nil
	}

	for _, op := range []string{">=", "<=", "==", "!=", ">", "<", "="} {
		if !strings.HasPrefix(constraint, op) {
			continue
		}
		version, err := ParseVersion(strings.TrimSpace(constraint[len(op):]))
		if err != nil {
			return Constraint{}, err
		}
		if op == "==" {
			op = "="
		}
		return Constraint{op: op, version: version}, nil
	}

	// A bare version is an exact match.
	version, err := ParseVersion(constraint)
	if err != nil {
		return Constraint{}, err
	}
	return Constraint{op: "=", version: version}, nil
}

// ParseVersion parses a version string leniently: the major component is
// required, minor and patch default to zero.
func ParseVersion(s string) (*semver.Version, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)

	major, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid major version in: %s", s)
	}

	var minor, patch uint64
	if len(parts) > 1 {
		minor, _ = strconv.ParseUint(parts[1], 10, 64)
	}
	if len(parts) > 2 {
		// Trailing non-numeric fragments (e.g. "1.2.3a") drop to zero.
		patch, _ = strconv.ParseUint(numericPrefix(parts[2]), 10, 64)
	}

	return semver.New(major, minor, patch, "", ""), nil
}

func numericPrefix(s string) string {
	for i, r := range s {
		if r < '0' || r > '9' {
			return s[:i]
		}
	}
	return s
}

// ParseDependency splits a dependency string such as "zlib >= 1.2" into
// the package name and its constraint. A bare name matches any version.
func ParseDependency(dep string) (string, Constraint, error) {
	for _, op := range []string{">=", "<=", "==", "!=", ">", "<", "="} {
		if pos := strings.Index(dep, op); pos >= 0 {
			name := strings.TrimSpace(dep[:pos])
			constraint, err := ParseConstraint(strings.TrimSpace(dep[pos:]))
			if err != nil {
				return "", Constraint{}, fmt.Errorf("invalid dependency %q: %w", dep, err)
			}
			return name, constraint, nil
		}
	}
	return strings.TrimSpace(dep), AnyVersion, nil
}

// candidate is one available version of a package together with the
// dependency edges it introduces.
type candidate struct {
	version *semver.Version
	raw     string
	deps    map[string]Constraint
}

// Selection is one package chosen by the resolver.
type Selection struct {
	Name    string
	Version string
}

// Resolver picks a consistent set of package versions from the available
// candidates. Package choice is most-constrained-first and within one
// package the highest matching version wins.
type Resolver struct {
	packages map[string][]*candidate
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{packages: make(map[string][]*candidate)}
}

// AddPackage registers an available package version. Dependencies map
// package names to constraint strings.
func (r *Resolver) AddPackage(name, version string, deps map[string]string) error {
	v, err := ParseVersion(version)
	if err != nil {
		return fmt.Errorf("package %s: %w", name, err)
	}

	parsed := make(map[string]Constraint, len(deps))
	for depName, constraint := range deps {
		c, err := ParseConstraint(constraint)
		if err != nil {
			return fmt.Errorf("package %s dependency %s: %w", name, depName, err)
		}
		parsed[depName] = c
	}

	r.packages[name] = append(r.packages[name], &candidate{
		version: v,
		raw:     version,
		deps:    parsed,
	})
	sort.Slice(r.packages[name], func(i, j int) bool {
		return r.packages[name][i].version.LessThan(r.packages[name][j].version)
	})
	return nil
}

// AddDependencyList registers a package whose dependencies come as
// "name [op version]" strings, the format repository indexes use.
func (r *Resolver) AddDependencyList(name, version string, deps []string) error {
	parsed := make(map[string]string, len(deps))
	for _, dep := range deps {
		depName, constraint, err := ParseDependency(dep)
		if err != nil {
			return err
		}
		parsed[depName] = constraint.String()
	}
	return r.AddPackage(name, version, parsed)
}

// HasPackage reports whether any version of the package is available.
func (r *Resolver) HasPackage(name string) bool {
	return len(r.packages[name]) > 0
}

// Versions returns the known versions of a package, lowest first.
func (r *Resolver) Versions(name string) []string {
	var out []string
	for _, c := range r.packages[name] {
		out = append(out, c.raw)
	}
	return out
}

// Resolve finds a version assignment that satisfies the requested
// packages and every transitive dependency. The result is sorted by
// name and never contains the synthetic root.
func (r *Resolver) Resolve(requested []string) ([]Selection, error) {
	rootDeps := make(map[string]Constraint, len(requested))
	for _, name := range requested {
		if !r.HasPackage(name) {
			return nil, fmt.Errorf("package %s not found", name)
		}
		rootDeps[name] = AnyVersion
	}

	root := &candidate{version: semver.New(1, 0, 0, "", ""), raw: "1.0.0", deps: rootDeps}
	assigned := map[string]*candidate{rootPackage: root}

	if err := r.solve(assigned); err != nil {
		return nil, err
	}

	solution := make([]Selection, 0, len(assigned)-1)
	for name, c := range assigned {
		if name == rootPackage {
			continue
		}
		solution = append(solution, Selection{Name: name, Version: c.raw})
	}
	sort.Slice(solution, func(i, j int) bool { return solution[i].Name < solution[j].Name })
	return solution, nil
}

// solve assigns versions by backtracking. At each step it picks the
// unassigned package with the fewest matching versions and tries its
// matching candidates from the highest version down.
func (r *Resolver) solve(assigned map[string]*candidate) error {
	name, matching, err := r.chooseNext(assigned)
	if err != nil {
		return err
	}
	if name == "" {
		return nil
	}

	// matching is sorted lowest first; walk it backwards.
	for i := len(matching) - 1; i >= 0; i-- {
		c := matching[i]
		if !r.compatible(assigned, c) {
			continue
		}
		assigned[name] = c
		if err := r.solve(assigned); err == nil {
			return nil
		}
		delete(assigned, name)
	}

	return fmt.Errorf("no version of %s satisfies the requirements", name)
}

// chooseNext returns the most constrained unassigned package and its
// matching candidates, or "" when every requirement is satisfied.
func (r *Resolver) chooseNext(assigned map[string]*candidate) (string, []*candidate, error) {
	required := r.collectConstraints(assigned)

	var bestName string
	var bestMatching []*candidate

	names := make([]string, 0, len(required))
	for name := range required {
		if _, ok := assigned[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		candidates := r.packages[name]
		if len(candidates) == 0 {
			return "", nil, fmt.Errorf("package %s not found", name)
		}

		var matching []*candidate
		for _, c := range candidates {
			if matchesAll(c.version, required[name]) {
				matching = append(matching, c)
			}
		}
		if len(matching) == 0 {
			return "", nil, fmt.Errorf("no version of %s satisfies the requirements", name)
		}

		if bestName == "" || len(matching) < len(bestMatching) {
			bestName = name
			bestMatching = matching
		}
	}

	return bestName, bestMatching, nil
}

// collectConstraints gathers the constraints every assigned candidate
// places on its dependencies.
func (r *Resolver) collectConstraints(assigned map[string]*candidate) map[string][]Constraint {
	required := make(map[string][]Constraint)
	for _, c := range assigned {
		for depName, constraint := range c.deps {
			required[depName] = append(required[depName], constraint)
		}
	}
	return required
}

// compatible reports whether the candidate's dependency constraints are
// consistent with the versions already assigned.
func (r *Resolver) compatible(assigned map[string]*candidate, c *candidate) bool {
	for depName, constraint := range c.deps {
		if existing, ok := assigned[depName]; ok && !constraint.Matches(existing.version) {
			return false
		}
	}
	return true
}

func matchesAll(v *semver.Version, constraints []Constraint) bool {
	for _, c := range constraints {
		if !c.Matches(v) {
			return false
		}
	}
	return true
}
