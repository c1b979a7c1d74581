package webhooks

// Event types emitted by the platform. The dispatcher treats the type as an
// opaque string, so new types need no change here to be deliverable.
const (
	EventAgentCreated          = "agent.created"
	EventAgentUpdated          = "agent.updated"
	EventAgentDeleted          = "agent.deleted"
	EventAgentDeployed         = "agent.deployed"
	EventAgentVersionCreated   = "agent.version.created"
	EventAgentVersionPublished = "agent.version.published"

	EventDeploymentStarted   = "deployment.started"
	EventDeploymentSucceeded = "deployment.succeeded"
	EventDeploymentFailed    = "deployment.failed"
	EventDeploymentStopped   = "deployment.stopped"

	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"

	EventAlertRaised   = "alert.raised"
	EventAlertResolved = "alert.resolved"

	EventBillingInvoiceCreated   = "billing.invoice.created"
	EventBillingPaymentSucceeded = "billing.payment.succeeded"
	EventBillingPaymentFailed    = "billing.payment.failed"
	EventBillingUsageThreshold   = "billing.usage.threshold"

	// EventWebhookTest is only sent by TestWebhook.
	EventWebhookTest = "webhook.test"
)

var knownEvents = []string{
	EventAgentCreated, EventAgentUpdated, EventAgentDeleted, EventAgentDeployed,
	EventAgentVersionCreated, EventAgentVersionPublished,
	EventDeploymentStarted, EventDeploymentSucceeded, EventDeploymentFailed, EventDeploymentStopped,
	EventJobStarted, EventJobCompleted, EventJobFailed,
	EventAlertRaised, EventAlertResolved,
	EventBillingInvoiceCreated, EventBillingPaymentSucceeded, EventBillingPaymentFailed,
	EventBillingUsageThreshold,
}

// KnownEvents lists the platform event types in a stable order.
func KnownEvents() []string {
	out := make([]string, len(knownEvents))
	copy(out, knownEvents)
	return out
}
