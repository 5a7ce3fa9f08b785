/*
	Alertd is the alert dispatch daemon of the platform. It accepts
	free-text error notifications from the other platform subsystems and
	fans them out to a configurable set of notification handlers, most
	notably a buffering email handler that coalesces bursts of errors
	into periodic summary mails.
*/
package alertd
