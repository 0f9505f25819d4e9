// Command torgate runs the tor daemon supervisor and its status API for
// the browser layer.
package main
