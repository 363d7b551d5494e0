//go:build !production

package buffer

// invariantChecks enables ring invariant assertions outside production builds.
const invariantChecks = true
