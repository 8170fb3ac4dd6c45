// SPDX-License-Identifier: MPL-2.0

// emplace is a demonstration installer binary: it installs and uninstalls
// itself (plus optional bundled files) on the host machine, driven by the
// transaction engine in internal/engine.
package main

func main() {
	Execute()
}
