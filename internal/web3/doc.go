// Package web3 houses blockchain connectivity for the agent: the capability
// interfaces a chain connection must satisfy, the builder that refuses to
// assemble an incomplete connection, and chain definition loading.
// Concrete EVM backends live in the ethereum subpackage.
package web3
