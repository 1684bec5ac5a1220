// Package bus はメッセージバスの抽象を提供する。
//
// 発行されたメッセージはexchangeにバインドされたすべてのqueueへ複製される（fanout）。
// 配信は少なくとも1回（at-least-once）で、ハンドラがエラーを返したメッセージは
// 再配信され、再配信の上限に達したものやDeadLetterで包まれたエラーを返したものは
// デッドレターキューへ退避される。どのqueueにもバインドされていないexchangeへの
// 発行は捨てずにunroutableキューへ退避する。
//
// NewMemoryはプロセス内で完結する実装、サブパッケージrabbitmqはAMQP 0-9-1による実装。
package bus
