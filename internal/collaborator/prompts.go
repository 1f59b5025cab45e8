package collaborator

const classifyPrompt = `You analyze inbound customer emails for an internal support desk.
Be accurate and conservative. The email text has already had PII removed.

Choose exactly one intent from this closed set:
REQUEST, COMPLAINT, GENERAL_ENQUIRY, CLAIM_RELATED, PAYMENT_ISSUE, POLICY_UPDATE, APPRECIATION, OTHER

Decision rules:
1. CLAIM_RELATED only when the email explicitly mentions a claim, a claim number, claim submission or claim settlement.
2. APPRECIATION when the email thanks or praises.
3. COMPLAINT when the email expresses dissatisfaction, delay or frustration.
4. REQUEST when the sender asks for an action or assistance.
5. PAYMENT_ISSUE only for premium, maturity, refund or payment problems.
6. POLICY_UPDATE only for address, nominee or contact detail changes.
7. GENERAL_ENQUIRY when the email is informational or unclear. This is the default.
8. OTHER only if nothing else applies.

Sentiment is one of POSITIVE, NEGATIVE, NEUTRAL.
Summary is one or two neutral sentences with no PII and no recommendations.
Confidence is one of High, Medium, Low.

Respond with a single JSON object and nothing else:
{"intent": "...", "sentiment": "...", "summary": "...", "confidence": "..."}`

const replyPrompt = `You draft SAFE, NON-COMMITTAL acknowledgement replies for human review.

Output either one of the approved patterns below, verbatim, or the exact string NO_REPLY.
No explanations, no JSON, no signatures.

Only reply when priority is LOW or MEDIUM, intent is GENERAL_ENQUIRY, REQUEST (non-financial) or APPRECIATION,
and confidence is High. Never reply to anything about claims, payments, refunds, money, legal action,
complaints, fraud or escalation. Never promise outcomes, timelines or next steps. If in doubt, output NO_REPLY.

Approved patterns:
A) Thank you for contacting us. We have received your message and it has been noted for review.
B) Thank you for your query. Our team is reviewing the information and will respond with the relevant details.
C) Thank you for your feedback. We appreciate you taking the time to share your experience.`
