// Package supervisor keeps the long-running children of the application
// alive: the administration daemon and the health sampler.
//
// A child that exits with a non-zero status or whose virtual memory grows
// past the configured ceiling is restarted after a back-off. SIGHUP or a
// change of the configuration file restarts every child; SIGTERM, SIGINT
// and SIGQUIT are passed on to the children and the supervisor exits once
// they are gone.
package supervisor
