// Package instrument abstracts the electrochemical instrument behind a
// Driver interface. The broker treats technique parameters and results as
// opaque JSON; only the driver interprets them.
//
// The package ships a Simulator driver that emits synthetic sweep data for
// development and testing. Hardware drivers implement the same interface
// and are selected through configuration.
package instrument
