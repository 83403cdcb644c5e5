// Package hire 串联市场下单、支付锁定等待与任务追踪，
// 同时提供同步与基于队列的异步两种支付监听方式。
package hire
