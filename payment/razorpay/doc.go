// Package razorpay implements payment.Gateway against the Razorpay REST API.
package razorpay
