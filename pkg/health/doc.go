/*
Package health provides dependency health checks for the readiness
endpoints.

Each service registers named checkers for its external collaborators:
the deploy service checks the executor service (when one is
configured), the observability service checks redis; /healthz runs them all and reports per-dependency results
plus an overall verdict. HTTP checkers accept a status range; TCP
checkers only need a successful dial.
*/
package health
