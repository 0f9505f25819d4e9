// Package logging provides structured logging using uber/zap.
//
// Production mode emits JSON; development mode emits colored console
// output. The daemon supervisor logs every state transition and every
// control-protocol command at debug level through this package.
package logging
