package irex

import (
	"fmt"
	"strings"
)

// resolveBuildOrder walks the depends graph of the target packages and
// returns a build order where every dependency precedes its dependents.
// Already-installed dependencies are skipped unless force is set or the
// package was requested explicitly.
func resolveBuildOrder(targets []string, requested map[string]bool, force bool) ([]string, error) {
	var order []string
	processed := make(map[string]bool)
	inProgress := make(map[string]bool)
	inOrder := make(map[string]bool)

	var walk func(pkgName string, chain []string) error
	walk = func(pkgName string, chain []string) error {
		if processed[pkgName] {
			return nil
		}
		if inProgress[pkgName] {
			return fmt.Errorf("dependency cycle detected: %s", strings.Join(append(chain, pkgName), " -> "))
		}
		inProgress[pkgName] = true
		defer delete(inProgress, pkgName)

		pkgDir, err := findRecipeDir(pkgName)
		if err != nil {
			return fmt.Errorf("cannot resolve dependencies for %s: %w", pkgName, err)
		}

		deps, err := parseDependsFile(pkgDir)
		if err != nil {
			return fmt.Errorf("failed to parse depends for %s: %w", pkgName, err)
		}

		for _, dep := range deps {
			// A recipe cannot depend on itself.
			if dep.Name == pkgName {
				continue
			}
			// Build-time deps of an already-installed package are moot.
			if dep.Make && isPackageInstalled(pkgName) && !requested[pkgName] {
				continue
			}
			if err := walk(dep.Name, append(chain, pkgName)); err != nil {
				return err
			}
		}

		shouldBuild := requested[pkgName] || force || !isPackageInstalled(pkgName)
		if shouldBuild && !inOrder[pkgName] {
			order = append(order, pkgName)
			inOrder[pkgName] = true
		}

		processed[pkgName] = true
		return nil
	}

	for _, target := range targets {
		if err := walk(target, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// configureDeps returns the names of dependencies flagged "configure" in
// pkgDir's depends file, preserving file order. Each one becomes a
// --with-<name> argument to the recipe's configure step.
func configureDeps(pkgDir string) ([]string, error) {
	deps, err := parseDependsFile(pkgDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, dep := range deps {
		if dep.Configure {
			names = append(names, dep.Name)
		}
	}
	return names, nil
}

// runtimeDeps filters out build-time-only dependencies; the remainder is
// what gets recorded in the installed DB.
func runtimeDeps(deps []DepSpec) []string {
	var names []string
	for _, dep := range deps {
		if dep.Make {
			continue
		}
		names = append(names, dep.Name)
	}
	return names
}
