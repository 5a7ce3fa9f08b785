/*
  Alert provides the bus that fans application error notifications out to
  dynamically installed handlers.

  Responsibilities of this package include:

  * Delivering every notification to all installed handlers in arrival order
  * Reconciling the installed handler set against the configuration source
  * Providing the email and error counter handler implementations
*/
package alert
